package storage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

type memoryLock struct {
	token   string
	nonce   int
	expires time.Time
}

// MemoryStorage is an in-process Storage. Instances opened by name through
// OpenMemory share state, so several key instances can race on one store.
type MemoryStorage struct {
	mu    sync.Mutex
	docs  map[string][]byte
	locks map[string]memoryLock
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
	name  string

	contention *atomic.Int64
	writes     *atomic.Int64
}

var (
	memoryRegistryMu sync.Mutex
	memoryRegistry   = map[string]*MemoryStorage{}
)

// NewMemoryStorage creates a private in-memory store.
func NewMemoryStorage(log *slog.Logger) *MemoryStorage {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryStorage{
		docs:       map[string][]byte{},
		locks:      map[string]memoryLock{},
		ttl:        DefaultLockTTL,
		now:        time.Now,
		log:        log,
		contention: atomic.NewInt64(0),
		writes:     atomic.NewInt64(0),
	}
}

// OpenMemory returns the shared in-memory store registered under name,
// creating it on first use.
func OpenMemory(name string, log *slog.Logger) *MemoryStorage {
	memoryRegistryMu.Lock()
	defer memoryRegistryMu.Unlock()
	if s, ok := memoryRegistry[name]; ok {
		return s
	}
	s := NewMemoryStorage(log)
	s.name = name
	memoryRegistry[name] = s
	return s
}

// SetLockTTL overrides the lock expiry.
func (s *MemoryStorage) SetLockTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// LockContentions reports how many lock acquisitions were refused.
func (s *MemoryStorage) LockContentions() int64 {
	return s.contention.Load()
}

// Writes reports how many items were committed.
func (s *MemoryStorage) Writes() int64 {
	return s.writes.Load()
}

func (s *MemoryStorage) GetMetadata(ctx context.Context, identity string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[identity]
	if !ok {
		s.log.Debug("Metadata not found in memory", slog.String("identity", identity))
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStorage) SetMetadataStream(ctx context.Context, items []Item) error {
	if err := verifyItems(items); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		data := make([]byte, len(item.Data))
		copy(data, item.Data)
		s.docs[item.Identity] = data
	}
	s.writes.Add(int64(len(items)))
	s.log.Debug("Stored metadata stream", slog.Int("items", len(items)))
	return nil
}

func (s *MemoryStorage) AcquireWriteLock(ctx context.Context, identity string, nonce int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.locks[identity]; ok && now.Before(held.expires) {
		s.contention.Inc()
		s.log.Debug("Write lock contention",
			slog.String("identity", identity),
			slog.Int("nonce", nonce),
			slog.Int("held_nonce", held.nonce))
		return "", ErrLockContention
	}
	token := uuid.NewString()
	s.locks[identity] = memoryLock{token: token, nonce: nonce, expires: now.Add(s.ttl)}
	return token, nil
}

func (s *MemoryStorage) ReleaseWriteLock(ctx context.Context, identity, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[identity]
	if !ok || held.token != token {
		return ErrLockNotHeld
	}
	delete(s.locks, identity)
	return nil
}

func (s *MemoryStorage) DeleteMetadata(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, identity)
	return nil
}

// Close is a no-op; shared instances stay registered for reuse.
func (s *MemoryStorage) Close() error {
	return nil
}
