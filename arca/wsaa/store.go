package wsaa

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// TokenStore persists issued tickets so a restarted process can reuse a still valid one
// instead of being refused with alreadyAuthenticated. Load returns arca.ErrNoTokens when
// nothing is stored under key.
type TokenStore interface {
	Load(ctx context.Context, key string) (Tokens, error)
	Save(ctx context.Context, key string, t Tokens) error
	Delete(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Tokens
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Tokens)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[key]
	if !ok {
		return Tokens{}, arca.ErrNoTokens
	}
	return t, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = t
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// FileStore keeps all tickets in one JSON object keyed by store key. The file is written with
// 0600 permissions through a rename so readers never see a partial document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context, key string) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return Tokens{}, err
	}
	t, ok := all[key]
	if !ok {
		return Tokens{}, arca.ErrNoTokens
	}
	return t, nil
}

func (s *FileStore) Save(_ context.Context, key string, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		logger.WithError(err).Warn("Token file unreadable, overwriting")
		all = make(map[string]Tokens)
	}
	all[key] = t
	return s.write(all)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		logger.WithError(err).Warn("Token file unreadable, resetting")
		return s.write(make(map[string]Tokens))
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.write(all)
}

func (s *FileStore) read() (map[string]Tokens, error) {
	all := make(map[string]Tokens)

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read token file")
	}
	if len(b) == 0 {
		return all, nil
	}

	err = jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var t Tokens
		if err := t.Decode(d); err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		all[key] = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse token file")
	}
	return all, nil
}

func (s *FileStore) write(all map[string]Tokens) error {
	var e jx.Encoder
	e.SetIdent(2)
	e.Obj(func(e *jx.Encoder) {
		for k, t := range all {
			e.Field(k, t.Encode)
		}
	})

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create token dir")
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return errors.Wrap(err, "create temp token file")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod token file")
	}
	if _, err := tmp.Write(e.Bytes()); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write token file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close token file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "replace token file")
	}
	return nil
}
