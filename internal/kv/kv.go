// Package kv abstracts the key-value store with TTL used by the audio cache
// and the analysis fast-path. Two implementations are provided: Redis for
// production and an in-memory map for tests and single-node development.
package kv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Stats describes the keyspace under one prefix.
type Stats struct {
	// Keys is the number of live keys under the prefix.
	Keys int64

	// MemoryBytes is the approximate payload size under the prefix. Zero when
	// the backend cannot attribute memory per prefix.
	MemoryBytes int64
}

// Store is the minimal key-value contract the engine depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL means the
	// backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all live keys starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Stats summarises the keyspace under prefix.
	Stats(ctx context.Context, prefix string) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// memEntry pairs a value with its expiry deadline (zero = no expiry).
type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process [Store]. Expired entries are evicted lazily on
// access and scan.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(e) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements [Store].
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	var deadline time.Time
	if ttl > 0 {
		deadline = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = memEntry{value: cp, expiresAt: deadline}
	s.mu.Unlock()
	return nil
}

// Delete implements [Store].
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// ScanPrefix implements [Store].
func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Stats implements [Store].
func (s *MemoryStore) Stats(_ context.Context, prefix string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for k, e := range s.entries {
		if s.expired(e) || !strings.HasPrefix(k, prefix) {
			continue
		}
		st.Keys++
		st.MemoryBytes += int64(len(e.value))
	}
	return st, nil
}

// Close implements [Store].
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]memEntry)
	s.mu.Unlock()
	return nil
}
