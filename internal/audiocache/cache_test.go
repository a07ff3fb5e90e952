package audiocache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vocoach/vocoach/internal/kv"
)

func newTestCache() *Cache {
	return New(kv.NewMemoryStore())
}

func TestKeyDeterminism(t *testing.T) {
	t.Parallel()

	c := newTestCache()

	k1 := c.Key("Bonjour tout le monde", "fr", "claire", "", "")
	k2 := c.Key("Bonjour tout le monde", "fr", "claire", "", "")
	if k1 != k2 {
		t.Fatalf("identical args produced different keys:\n%s\n%s", k1, k2)
	}

	variants := []string{
		c.Key("Bonjour tout le monde", "fr", "claire", "encouragement", ""),
		c.Key("Bonjour tout le monde", "fr", "claire", "", "voice-2"),
		c.Key("Bonjour tout le monde", "en", "claire", "", ""),
		c.Key("Bonjour tout le monde", "fr", "marc", "", ""),
	}
	seen := map[string]bool{k1: true}
	for _, v := range variants {
		if seen[v] {
			t.Fatalf("key collision: %s", v)
		}
		seen[v] = true
	}
}

func TestKeyNormalization(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	k1 := c.Key("  Bonjour   tout le monde ", "fr", "claire", "", "")
	k2 := c.Key("bonjour tout le monde", "fr", "claire", "", "")
	if k1 != k2 {
		t.Fatal("whitespace and case should not change the key")
	}
}

func TestKeyLongTextHashed(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	long := strings.Repeat("une phrase assez longue ", 10)
	key := c.Key(long, "fr", "claire", "", "")
	if strings.Contains(key, "phrase") {
		t.Fatalf("long text embedded literally: %s", key)
	}
	short := c.Key("salut", "fr", "claire", "", "")
	if !strings.Contains(short, "salut") {
		t.Fatalf("short text not embedded: %s", short)
	}
}

func TestRoundTripSmallPayload(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	ctx := context.Background()
	key := c.Key("salut", "fr", "claire", "", "")
	audio := []byte{0x01, 0x02, 0x03}

	if err := c.Set(ctx, key, audio); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("payload mismatch: %v != %v", got, audio)
	}
}

func TestRoundTripCompressedPayload(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	c := New(store)
	ctx := context.Background()
	key := c.Key("longue tirade", "fr", "claire", "", "")

	// Highly compressible payload well above the compression threshold.
	audio := bytes.Repeat([]byte{0x00, 0x7f}, 8192)

	if err := c.Set(ctx, key, audio); err != nil {
		t.Fatalf("set: %v", err)
	}

	// The stored payload must actually be smaller than the original.
	raw, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if len(raw) >= len(audio) {
		t.Fatalf("payload not compressed: stored %d, original %d", len(raw), len(audio))
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatal("decompressed payload differs from original")
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	if _, err := c.Get(context.Background(), "audiocache:fr:absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	ctx := context.Background()
	key := c.Key("stream moi ça", "fr", "claire", "", "")
	audio := bytes.Repeat([]byte{0xAB}, streamChunkSize*2+100)
	if err := c.Set(ctx, key, audio); err != nil {
		t.Fatalf("set: %v", err)
	}

	var chunks [][]byte
	found, err := c.Stream(ctx, key, func(chunk []byte) error {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		chunks = append(chunks, cp)
		return nil
	})
	if err != nil || !found {
		t.Fatalf("stream: found=%v err=%v", found, err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if !bytes.Equal(bytes.Join(chunks, nil), audio) {
		t.Fatal("reassembled stream differs from original")
	}

	found, err = c.Stream(ctx, "audiocache:fr:absent", func([]byte) error { return nil })
	if err != nil || found {
		t.Fatalf("absent key: found=%v err=%v", found, err)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	ctx := context.Background()

	for _, text := range []string{"un", "deux", "trois"} {
		if err := c.Set(ctx, c.Key(text, "fr", "claire", "", ""), []byte(text)); err != nil {
			t.Fatalf("set %q: %v", text, err)
		}
	}

	n, err := c.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 3 {
		t.Fatalf("cleared %d entries, want 3", n)
	}
	if _, err := c.Get(ctx, c.Key("un", "fr", "claire", "", "")); !errors.Is(err, ErrNotFound) {
		t.Fatal("entry survived clear")
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	c := newTestCache()
	ctx := context.Background()
	key := c.Key("métrique", "fr", "claire", "", "")

	_, _ = c.Get(ctx, key) // miss
	_ = c.Set(ctx, key, []byte("audio"))
	_, _ = c.Get(ctx, key) // hit
	_, _ = c.Get(ctx, key) // hit

	m, err := c.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Hits != 2 || m.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 2/1", m.Hits, m.Misses)
	}
	if m.HitRatio < 0.66 || m.HitRatio > 0.67 {
		t.Fatalf("hit ratio = %f", m.HitRatio)
	}
	// Payload + metadata records.
	if m.Keys != 2 {
		t.Fatalf("keys = %d, want 2", m.Keys)
	}
}
