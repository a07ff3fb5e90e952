package kv

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("hello"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("value = %q", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "ephemeral", []byte("x"), time.Minute)

	now = now.Add(59 * time.Second)
	if _, err := s.Get(ctx, "ephemeral"); err != nil {
		t.Fatalf("get within TTL: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := s.Get(ctx, "ephemeral"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	in := []byte("abc")
	_ = s.Set(ctx, "k", in, 0)
	in[0] = 'z'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}

	got[0] = 'z'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("returned value aliased store: %q", again)
	}
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "audio:1", []byte("a"), 0)
	_ = s.Set(ctx, "audio:2", []byte("b"), 0)
	_ = s.Set(ctx, "other:1", []byte("c"), 0)

	keys, err := s.ScanPrefix(ctx, "audio:")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "audio:1" || keys[1] != "audio:2" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "audio:1", make([]byte, 100), 0)
	_ = s.Set(ctx, "audio:2", make([]byte, 50), 0)
	_ = s.Set(ctx, "other:1", make([]byte, 999), 0)

	st, err := s.Stats(ctx, "audio:")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Keys != 2 || st.MemoryBytes != 150 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 0)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}
