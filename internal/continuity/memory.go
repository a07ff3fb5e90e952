// Package continuity remembers what a session was talking about when a reply
// was interrupted, so the next reply can resume the thread naturally instead
// of ignoring the derailment.
//
// Entries are keyed by session id, carry a configurable time-to-live, and
// track how often the session has been interrupted so the resumption phrasing
// can escalate on repeated interruptions. All exported methods are safe for
// concurrent use.
package continuity

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// defaultTTL is how long a stored entry stays retrievable.
const defaultTTL = 30 * time.Minute

// escalateAfter is the interruption count beyond which phrasing escalates.
const escalateAfter = 2

// topicMaxLen bounds the topic string produced by [Memory.ExtractTopic].
const topicMaxLen = 80

// Kind classifies what the user interrupted with, selecting the phrasing.
type Kind string

const (
	KindQuestion Kind = "question"
	KindComment  Kind = "comment"
	KindGeneral  Kind = "general"
)

// Entry is the stored record of a pre-interruption conversation thread.
type Entry struct {
	Topic         string
	LastReply     string
	Importance    float64
	Interruptions int
	SavedAt       time.Time
}

// HistoryMessage is the minimal view of a conversation turn needed to derive
// a topic. Declared here so the package depends only on session identifiers.
type HistoryMessage struct {
	Role    string
	Content string
}

// Memory is the per-session continuity store.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*Entry
	now     func() time.Time
}

// Option configures a [Memory] during construction.
type Option func(*Memory)

// WithTTL overrides the entry time-to-live. The default is 30 minutes.
func WithTTL(d time.Duration) Option {
	return func(m *Memory) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// withClock substitutes the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty continuity Memory.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		ttl:     defaultTTL,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Save stores the topic and last reply for sessionID, overwriting any prior
// entry while carrying its interruption count forward.
func (m *Memory) Save(sessionID, topic, lastReply string, importance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 1
	if prev, ok := m.entries[sessionID]; ok {
		count = prev.Interruptions + 1
	}
	m.entries[sessionID] = &Entry{
		Topic:         topic,
		LastReply:     lastReply,
		Importance:    importance,
		Interruptions: count,
		SavedAt:       m.now(),
	}
}

// Get returns the stored entry for sessionID. Entries older than the TTL are
// evicted and reported as absent.
func (m *Memory) Get(sessionID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	if m.now().Sub(e.SavedAt) > m.ttl {
		delete(m.entries, sessionID)
		return Entry{}, false
	}
	return *e, true
}

// Clear evicts the entry for sessionID, if any.
func (m *Memory) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
}

// ExtractTopic derives a short topic string from the last maxMessages turns.
// The heuristic is plain truncation of the most recent user content, not a
// semantic summary. maxMessages ≤ 0 defaults to 6.
func (m *Memory) ExtractTopic(history []HistoryMessage, maxMessages int) string {
	if maxMessages <= 0 {
		maxMessages = 6
	}
	if len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}

	// Prefer the most recent user message; fall back to the last message.
	var text string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" && strings.TrimSpace(history[i].Content) != "" {
			text = history[i].Content
			break
		}
	}
	if text == "" && len(history) > 0 {
		text = history[len(history)-1].Content
	}

	text = strings.TrimSpace(text)
	if len(text) > topicMaxLen {
		// Back off to a rune boundary so accented text is never cut
		// mid-character, then to a word boundary when one is close enough.
		end := topicMaxLen
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		cut := text[:end]
		if idx := strings.LastIndex(cut, " "); idx > topicMaxLen/2 {
			cut = cut[:idx]
		}
		text = cut + "…"
	}
	return text
}

// Phrases returns resumption phrase templates for an entry, selected by the
// interruption kind and escalated once the session has been interrupted more
// than twice. The caller picks one and splices it into the generation prompt.
func Phrases(e Entry, kind Kind) []string {
	if e.Interruptions > escalateAfter {
		return []string{
			"Reprenons le fil : nous parlions de " + e.Topic + ".",
			"Pour ne pas perdre notre exercice, revenons à " + e.Topic + ".",
		}
	}

	switch kind {
	case KindQuestion:
		return []string{
			"Bonne question ! Pour y répondre, revenons d'abord à " + e.Topic + ".",
			"Je reviens à votre question, mais d'abord : " + e.Topic + ".",
		}
	case KindComment:
		return []string{
			"Merci pour cette remarque. Revenons à " + e.Topic + ".",
			"C'est noté — reprenons " + e.Topic + ".",
		}
	default:
		return []string{
			"Revenons à ce que nous disions : " + e.Topic + ".",
			"Où en étions-nous ? Ah oui, " + e.Topic + ".",
		}
	}
}
