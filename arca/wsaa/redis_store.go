package wsaa

import (
	"context"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares tickets between instances. Entries expire together with the ticket.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "arca:wsaa:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Load(ctx context.Context, key string) (Tokens, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return Tokens{}, arca.ErrNoTokens
	} else if err != nil {
		return Tokens{}, errors.Wrap(err, "redis get")
	}

	var t Tokens
	if err := t.Decode(jx.DecodeBytes(data)); err != nil {
		logger.WithError(err).Warn("Corrupted ticket in redis, removing")
		s.rdb.Del(ctx, s.prefix+key)
		return Tokens{}, arca.ErrNoTokens
	}
	return t, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, t Tokens) error {
	ttl := t.ExpirationTime.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	var e jx.Encoder
	t.Encode(&e)
	if err := s.rdb.Set(ctx, s.prefix+key, e.Bytes(), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}
