package wsfe

import (
	"context"
	"fmt"
	"time"

	"github.com/alapierre/go-arca-client/arca/mutex"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// VoucherLocker serializes the read-last-number, request-CAE sequence per point of sale and
// voucher type, so two invoices never get the same number.
type VoucherLocker interface {
	Lock(ctx context.Context, pointOfSale, voucherType int) (func(), error)
}

type voucherKey struct {
	pointOfSale int
	voucherType int
}

// LocalLocker serializes within one process.
type LocalLocker struct {
	m mutex.KeyedMutex[voucherKey]
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) Lock(ctx context.Context, pointOfSale, voucherType int) (func(), error) {
	key := voucherKey{pointOfSale, voucherType}
	if err := l.m.Lock(ctx, key); err != nil {
		return nil, err
	}
	return func() { l.m.Unlock(key) }, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes across instances sharing one CUIT. The lock expires after ttl so a
// crashed holder cannot block the key forever; ttl must exceed the slowest CAE request.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "arca:wsfe:lock:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, poll: 100 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, pointOfSale, voucherType int) (func(), error) {
	key := fmt.Sprintf("%s%d:%d", l.prefix, pointOfSale, voucherType)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis lock")
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	return func() {
		// the caller's ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			logger.WithError(err).WithField("key", key).Warn("Could not release voucher lock")
		}
	}, nil
}
