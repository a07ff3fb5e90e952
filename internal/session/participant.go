package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Role identifies which side of the conversation a participant is on.
type Role string

const (
	// RoleLearner is the human side of the session, sending microphone audio.
	RoleLearner Role = "user"
	// RoleCoach is the synthesized agent side, speaking replies back.
	RoleCoach Role = "agent"
)

// Participant is one party in a session. Each participant owns its own
// utterance buffer and task slot so the learner's incoming audio and the
// coach's response flow never contend on shared state.
type Participant struct {
	ID   string
	Role Role

	// Voice is the synthesis voice for agent participants; empty for the
	// learner.
	Voice string

	mu        sync.Mutex
	utterance bytes.Buffer
	task      *Task
}

// NewParticipant creates a participant with an empty utterance buffer and no
// running task.
func NewParticipant(id string, role Role, voice string) *Participant {
	return &Participant{ID: id, Role: role, Voice: voice}
}

// AppendAudio accumulates PCM into the participant's utterance buffer.
func (p *Participant) AppendAudio(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.utterance.Write(pcm)
}

// BufferedBytes returns the size of the buffered utterance.
func (p *Participant) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utterance.Len()
}

// TakeUtterance returns the buffered utterance and resets the buffer.
func (p *Participant) TakeUtterance() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.utterance.Len())
	copy(out, p.utterance.Bytes())
	p.utterance.Reset()
	return out
}

// DiscardUtterance drops any buffered audio without transcribing it.
func (p *Participant) DiscardUtterance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.utterance.Reset()
}

// BeginTask cancels any task running on this participant, waits for it to
// finish, and installs a new one derived from parent. The returned context is
// cancelled when the task is cancelled; the caller must call FinishTask when
// the flow completes.
func (p *Participant) BeginTask(parent context.Context) (context.Context, *Task) {
	p.mu.Lock()
	prev := p.task
	p.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	ctx, cancel := context.WithCancel(parent)
	task := &Task{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.task = task
	p.mu.Unlock()
	return ctx, task
}

// CancelTask cancels the participant's running task, if any, and waits for it
// to finish.
func (p *Participant) CancelTask() {
	p.mu.Lock()
	t := p.task
	p.task = nil
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// FinishTask releases the task slot if task still owns it and marks the flow
// complete.
func (p *Participant) FinishTask(task *Task) {
	p.mu.Lock()
	if p.task == task {
		p.task = nil
	}
	p.mu.Unlock()
	task.Finish()
}

// AddParticipant registers a participant with the session. At most one
// participant may hold each role; a second learner or coach is rejected.
func (s *Session) AddParticipant(p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("session: participant %q already present", p.ID)
	}
	if held, ok := s.roles[p.Role]; ok {
		return fmt.Errorf("session: role %q already held by participant %q", p.Role, held.ID)
	}
	s.participants[p.ID] = p
	s.roles[p.Role] = p
	return nil
}

// Participant returns the participant with the given id.
func (s *Session) Participant(id string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	return p, ok
}

// ByRole returns the participant holding the given role.
func (s *Session) ByRole(role Role) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.roles[role]
	return p, ok
}

func (s *Session) learner() *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[RoleLearner]
}

func (s *Session) coach() *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[RoleCoach]
}
