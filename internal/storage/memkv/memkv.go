// Package memkv implements the storage.KV capability interface in process
// memory, backed by an LRU cache with per-key deadlines. It serves tests and
// single-process deployments where the SQLite tier would be overkill; the
// LRU bound keeps a runaway writer from exhausting memory.
package memkv

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/lookout/internal/storage"
)

// DefaultSize is the LRU capacity used when NewStore is given a
// non-positive size.
const DefaultSize = 4096

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store implements storage.KV in memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	now   func() time.Time
}

// NewStore creates an in-memory KV store holding at most size keys.
func NewStore(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache, now: time.Now}, nil
}

// Get returns the value for key, or storage.ErrNotFound when the key is
// absent or its deadline has passed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// SetWithTTL stores value under key with the given TTL (zero = no expiry).
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.getLocked(key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key and reports whether an unexpired entry was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(key)
	s.cache.Remove(key)
	if !ok {
		return false, nil
	}
	return !s.isExpired(e), nil
}

// Pipeline runs fn under the store mutex with writes staged and applied only
// when the callback succeeds, giving the same all-or-nothing behavior as the
// SQLite transaction pipeline.
func (s *Store) Pipeline(ctx context.Context, fn func(storage.Pipe) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipe := &memPipe{store: s}
	if err := fn(pipe); err != nil {
		return err
	}

	for _, op := range pipe.ops {
		op()
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) getLocked(key string) ([]byte, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	if s.isExpired(e) {
		s.cache.Remove(key)
		return nil, storage.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) setLocked(key string, value []byte, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, e)
}

func (s *Store) isExpired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// memPipe stages writes so a failing callback leaves the store untouched.
// Reads observe the pre-pipeline state, matching the SQLite pipe semantics.
type memPipe struct {
	store *Store
	ops   []func()
}

func (p *memPipe) Get(key string) ([]byte, error) {
	return p.store.getLocked(key)
}

func (p *memPipe) SetWithTTL(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.store.setLocked(key, value, ttl) })
}

func (p *memPipe) Delete(key string) {
	p.ops = append(p.ops, func() { p.store.cache.Remove(key) })
}

var _ storage.KV = (*Store)(nil)
