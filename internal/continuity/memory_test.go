package continuity

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSaveGetClear(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.Save("s1", "les entretiens d'embauche", "Parlez-moi de vous.", 0.5)

	e, ok := m.Get("s1")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.Topic != "les entretiens d'embauche" || e.Interruptions != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	m.Clear("s1")
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected entry to be cleared")
	}
}

func TestSaveOverwritesAndCounts(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.Save("s1", "sujet A", "a", 0.5)
	m.Save("s1", "sujet B", "b", 0.8)

	e, _ := m.Get("s1")
	if e.Topic != "sujet B" {
		t.Fatalf("topic = %q, want overwrite to sujet B", e.Topic)
	}
	if e.Interruptions != 2 {
		t.Fatalf("interruptions = %d, want 2", e.Interruptions)
	}
}

func TestTTLEviction(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := NewMemory(WithTTL(time.Minute), withClock(func() time.Time { return now }))
	m.Save("s1", "sujet", "reply", 0.5)

	now = now.Add(59 * time.Second)
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("entry should survive within TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok := m.Get("s1"); ok {
		t.Fatal("entry should be evicted past TTL")
	}
}

func TestExtractTopic(t *testing.T) {
	t.Parallel()

	m := NewMemory()

	t.Run("prefers recent user message", func(t *testing.T) {
		t.Parallel()
		history := []HistoryMessage{
			{Role: "user", Content: "ancien sujet"},
			{Role: "assistant", Content: "réponse"},
			{Role: "user", Content: "mon projet de reconversion"},
			{Role: "assistant", Content: "très bien"},
		}
		if got := m.ExtractTopic(history, 6); got != "mon projet de reconversion" {
			t.Fatalf("topic = %q", got)
		}
	})

	t.Run("window bounds lookback", func(t *testing.T) {
		t.Parallel()
		history := []HistoryMessage{
			{Role: "user", Content: "hors fenêtre"},
			{Role: "assistant", Content: "a"},
			{Role: "assistant", Content: "b"},
		}
		if got := m.ExtractTopic(history, 2); got != "b" {
			t.Fatalf("topic = %q, want fallback to last message", got)
		}
	})

	t.Run("truncates long content", func(t *testing.T) {
		t.Parallel()
		long := strings.Repeat("négociation salariale ", 20)
		got := m.ExtractTopic([]HistoryMessage{{Role: "user", Content: long}}, 6)
		if len(got) > topicMaxLen+len("…") {
			t.Fatalf("topic too long: %d bytes", len(got))
		}
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("expected ellipsis suffix, got %q", got)
		}
	})

	t.Run("truncates on rune boundary", func(t *testing.T) {
		t.Parallel()
		// No spaces, so the word-boundary backoff never applies and the cut
		// lands inside the two-byte é unless the rune backoff catches it.
		long := "x" + strings.Repeat("é", 60)
		got := m.ExtractTopic([]HistoryMessage{{Role: "user", Content: long}}, 6)
		if !utf8.ValidString(got) {
			t.Fatalf("topic is not valid UTF-8: %q", got)
		}
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("expected ellipsis suffix, got %q", got)
		}
	})

	t.Run("empty history", func(t *testing.T) {
		t.Parallel()
		if got := m.ExtractTopic(nil, 6); got != "" {
			t.Fatalf("topic = %q, want empty", got)
		}
	})
}

func TestPhrasesEscalate(t *testing.T) {
	t.Parallel()

	base := Entry{Topic: "votre présentation", Interruptions: 1}
	for _, kind := range []Kind{KindQuestion, KindComment, KindGeneral} {
		phrases := Phrases(base, kind)
		if len(phrases) == 0 {
			t.Fatalf("no phrases for kind %q", kind)
		}
		for _, p := range phrases {
			if !strings.Contains(p, base.Topic) {
				t.Fatalf("phrase %q does not mention topic", p)
			}
		}
	}

	escalated := Entry{Topic: "votre présentation", Interruptions: 3}
	got := Phrases(escalated, KindQuestion)
	want := Phrases(escalated, KindGeneral)
	if got[0] != want[0] {
		t.Fatal("escalated phrasing should ignore kind")
	}
}
