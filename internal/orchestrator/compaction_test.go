package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/vocoach/vocoach/pkg/provider/llm"
)

// stubSummariser records the segments it is asked to condense.
type stubSummariser struct {
	mu       sync.Mutex
	summary  string
	err      error
	segments [][]llm.Message
}

func (s *stubSummariser) Summarise(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	s.segments = append(s.segments, cp)
	return s.summary, s.err
}

func (s *stubSummariser) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func fillHistory(conv *Conversation, n int) {
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		conv.appendHistory(llm.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
}

func TestCompactionBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	sum := &stubSummariser{summary: "résumé"}
	f.orch.deps.Summariser = sum

	fillHistory(f.conv, compactThreshold-1)
	f.orch.maybeCompact(f.conv)

	if got := sum.calls(); got != 0 {
		t.Errorf("summariser called %d times below threshold, want 0", got)
	}
	if got := len(f.conv.snapshotHistory()); got != compactThreshold-1 {
		t.Errorf("history length = %d, want %d", got, compactThreshold-1)
	}
}

func TestCompactionTrimsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	sum := &stubSummariser{summary: "L'apprenant a commandé un plat et corrigé deux liaisons."}
	f.orch.deps.Summariser = sum

	fillHistory(f.conv, compactThreshold)
	f.orch.maybeCompact(f.conv)

	waitFor(t, func() bool {
		return f.conv.snapshotSummary() != ""
	}, "summary never set")

	if got := len(f.conv.snapshotHistory()); got != compactKeep {
		t.Errorf("history length after compaction = %d, want %d", got, compactKeep)
	}
	// The most recent messages survive verbatim.
	last := f.conv.snapshotHistory()[compactKeep-1]
	if want := fmt.Sprintf("message %d", compactThreshold-1); last.Content != want {
		t.Errorf("newest message = %q, want %q", last.Content, want)
	}

	sum.mu.Lock()
	seg := sum.segments[0]
	sum.mu.Unlock()
	if got, want := len(seg), compactThreshold-compactKeep; got != want {
		t.Errorf("summarised %d messages, want %d", got, want)
	}
}

func TestCompactionFoldsPriorSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	sum := &stubSummariser{summary: "nouveau résumé"}
	f.orch.deps.Summariser = sum

	f.conv.histMu.Lock()
	f.conv.summary = "ancien résumé"
	f.conv.histMu.Unlock()
	fillHistory(f.conv, compactThreshold)
	f.orch.maybeCompact(f.conv)

	waitFor(t, func() bool { return sum.calls() == 1 }, "summariser not called")

	sum.mu.Lock()
	seg := sum.segments[0]
	sum.mu.Unlock()
	if seg[0].Content != "ancien résumé" {
		t.Errorf("first summarised message = %q, want prior summary", seg[0].Content)
	}
}

func TestCompactionFailureKeepsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	sum := &stubSummariser{err: fmt.Errorf("backend down")}
	f.orch.deps.Summariser = sum

	fillHistory(f.conv, compactThreshold)
	f.orch.maybeCompact(f.conv)

	waitFor(t, func() bool { return sum.calls() == 1 }, "summariser not called")
	waitFor(t, func() bool {
		f.conv.histMu.Lock()
		defer f.conv.histMu.Unlock()
		return !f.conv.compacting
	}, "compaction never settled")

	if got := len(f.conv.snapshotHistory()); got != compactThreshold {
		t.Errorf("history length = %d after failed compaction, want %d", got, compactThreshold)
	}
	if got := f.conv.snapshotSummary(); got != "" {
		t.Errorf("summary = %q after failed compaction, want empty", got)
	}
}

func TestSummaryAppearsInSystemPrompt(t *testing.T) {
	t.Parallel()
	prompt := buildSystemPrompt(promptInput{summary: "L'apprenant travaille les liaisons."})
	if !strings.Contains(prompt, "L'apprenant travaille les liaisons.") {
		t.Errorf("system prompt missing summary:\n%s", prompt)
	}
	if strings.Contains(buildSystemPrompt(promptInput{}), "Résumé de la conversation") {
		t.Error("empty summary still produced a résumé section")
	}
}
