// Package audiocache is a content-addressed cache for synthesized speech,
// mapping (normalized text, language, voice selector) to audio bytes stored
// in a TTL-bounded key-value store.
//
// Payloads above a size threshold are gzip-compressed transparently; a
// metadata record (compressed flag, original size) is stored alongside each
// payload under the same TTL. Keys embed the literal text when it is short so
// cache contents stay debuggable, and switch to a hash for long texts.
package audiocache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vocoach/vocoach/internal/kv"
)

const (
	// defaultNamespace prefixes every cache key in the KV store.
	defaultNamespace = "audiocache:"

	// defaultTTL bounds how long entries live.
	defaultTTL = 24 * time.Hour

	// embedTextMax is the longest normalized text embedded literally in a key.
	embedTextMax = 48

	// compressMin is the smallest payload worth gzip-compressing.
	compressMin = 1024

	// streamChunkSize is the chunk size used by [Cache.Stream].
	streamChunkSize = 4096

	// metaSuffix distinguishes metadata records from payload records.
	metaSuffix = ":meta"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("audiocache: entry not found")

// entryMeta is the metadata record stored next to each payload.
type entryMeta struct {
	Compressed   bool  `json:"compressed"`
	OriginalSize int64 `json:"original_size"`
}

// Metrics is a point-in-time view of cache effectiveness.
type Metrics struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	HitRatio   float64       `json:"hit_ratio"`
	AvgGet     time.Duration `json:"avg_get"`
	AvgSet     time.Duration `json:"avg_set"`
	Keys       int64         `json:"keys"`
	MemoryUsed int64         `json:"memory_used_bytes"`
}

// Cache is the audio cache. All exported methods are safe for concurrent use.
type Cache struct {
	store     kv.Store
	namespace string
	ttl       time.Duration

	mu       sync.Mutex
	hits     int64
	misses   int64
	getTotal time.Duration
	getCount int64
	setTotal time.Duration
	setCount int64
}

// Option configures a [Cache] during construction.
type Option func(*Cache)

// WithNamespace overrides the key prefix. The default is "audiocache:".
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithTTL overrides the entry time-to-live. The default is 24 hours.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// New creates a Cache over the given KV store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		namespace: defaultNamespace,
		ttl:       defaultTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key derives the deterministic cache key for a synthesis request. Identical
// arguments always produce the same key; emotion and voiceID always
// contribute so differing selectors never collide.
func (c *Cache) Key(text, language, speakerID, emotion, voiceID string) string {
	norm := normalize(text)

	var textPart string
	if len(norm) <= embedTextMax {
		textPart = strings.ReplaceAll(norm, " ", "_")
	} else {
		sum := sha256.Sum256([]byte(norm))
		textPart = "h" + hex.EncodeToString(sum[:16])
	}

	var sb strings.Builder
	sb.WriteString(c.namespace)
	sb.WriteString(language)
	sb.WriteByte(':')
	sb.WriteString(speakerID)
	if emotion != "" {
		sb.WriteString(":e=")
		sb.WriteString(emotion)
	}
	if voiceID != "" {
		sb.WriteString(":v=")
		sb.WriteString(voiceID)
	}
	sb.WriteByte(':')
	sb.WriteString(textPart)
	return sb.String()
}

// Get returns the cached audio for key, decompressing transparently when the
// stored entry was compressed.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	payload, err := c.store.Get(ctx, key)
	if err != nil {
		c.recordGet(false, time.Since(start))
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("audiocache: get: %w", err)
	}

	meta := entryMeta{}
	if raw, metaErr := c.store.Get(ctx, key+metaSuffix); metaErr == nil {
		// A missing or corrupt metadata record means an uncompressed entry.
		_ = json.Unmarshal(raw, &meta)
	}

	if meta.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			c.recordGet(false, time.Since(start))
			return nil, fmt.Errorf("audiocache: open gzip: %w", err)
		}
		defer zr.Close()
		payload, err = io.ReadAll(zr)
		if err != nil {
			c.recordGet(false, time.Since(start))
			return nil, fmt.Errorf("audiocache: decompress: %w", err)
		}
	}

	c.recordGet(true, time.Since(start))
	return payload, nil
}

// Set stores audio under key. Payloads of at least 1 KiB are gzip-compressed
// before storage; the metadata record shares the payload's TTL.
func (c *Cache) Set(ctx context.Context, key string, audio []byte) error {
	start := time.Now()

	meta := entryMeta{OriginalSize: int64(len(audio))}
	payload := audio
	if len(audio) >= compressMin {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(audio); err != nil {
			return fmt.Errorf("audiocache: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("audiocache: close gzip: %w", err)
		}
		// Keep the smaller representation; PCM compresses, Opus does not.
		if buf.Len() < len(audio) {
			payload = buf.Bytes()
			meta.Compressed = true
		}
	}

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audiocache: marshal meta: %w", err)
	}
	if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
		return fmt.Errorf("audiocache: set payload: %w", err)
	}
	if err := c.store.Set(ctx, key+metaSuffix, rawMeta, c.ttl); err != nil {
		return fmt.Errorf("audiocache: set meta: %w", err)
	}

	c.recordSet(time.Since(start))
	return nil
}

// Stream feeds the cached audio for key to sink in fixed-size chunks,
// avoiding one large buffer hand-off to the client channel. Returns false
// (with nil error) when the key is absent.
func (c *Cache) Stream(ctx context.Context, key string, sink func([]byte) error) (bool, error) {
	audio, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for off := 0; off < len(audio); off += streamChunkSize {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		end := off + streamChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := sink(audio[off:end]); err != nil {
			return true, fmt.Errorf("audiocache: stream sink: %w", err)
		}
	}
	return true, nil
}

// Clear deletes every key under the cache namespace and returns the number of
// payload entries removed (metadata records are not counted).
func (c *Cache) Clear(ctx context.Context) (int, error) {
	keys, err := c.store.ScanPrefix(ctx, c.namespace)
	if err != nil {
		return 0, fmt.Errorf("audiocache: scan: %w", err)
	}
	count := 0
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			return count, fmt.Errorf("audiocache: delete %q: %w", k, err)
		}
		if !strings.HasSuffix(k, metaSuffix) {
			count++
		}
	}
	return count, nil
}

// Metrics returns hit/miss counters, latency averages, and the KV keyspace
// stats restricted to this cache's namespace.
func (c *Cache) Metrics(ctx context.Context) (Metrics, error) {
	c.mu.Lock()
	m := Metrics{Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		m.HitRatio = float64(c.hits) / float64(total)
	}
	if c.getCount > 0 {
		m.AvgGet = c.getTotal / time.Duration(c.getCount)
	}
	if c.setCount > 0 {
		m.AvgSet = c.setTotal / time.Duration(c.setCount)
	}
	c.mu.Unlock()

	st, err := c.store.Stats(ctx, c.namespace)
	if err != nil {
		return m, fmt.Errorf("audiocache: stats: %w", err)
	}
	m.Keys = st.Keys
	m.MemoryUsed = st.MemoryBytes
	return m, nil
}

func (c *Cache) recordGet(hit bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.getTotal += elapsed
	c.getCount++
}

func (c *Cache) recordSet(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTotal += elapsed
	c.setCount++
}

// normalize lowercases text and collapses runs of whitespace so formatting
// differences do not defeat the cache.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
