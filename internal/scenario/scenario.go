// Package scenario models a coaching exercise as a directed graph of steps
// with named variables, plus the per-session runtime state that tracks
// progress through it.
//
// A [Scenario] is loaded and validated once per session; the only external
// mutation of runtime state is [State.ApplyUpdate]. The package is pure data
// and transition logic with no I/O.
package scenario

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStep is returned by [State.ApplyUpdate] when the requested next
// step is not reachable from the current step.
var ErrUnknownStep = errors.New("scenario: unknown next step")

// Step is one node of the exercise graph.
type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	// PromptTemplate supports {{variable}} substitution via [Scenario.RenderPrompt].
	PromptTemplate string   `json:"prompt_template" yaml:"prompt_template"`
	ExpectedVars   []string `json:"expected_variables" yaml:"expected_variables"`
	NextSteps      []string `json:"next_steps" yaml:"next_steps"`
	Terminal       bool     `json:"terminal" yaml:"terminal"`
}

// Scenario is a validated exercise graph.
type Scenario struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Goal        string `json:"goal" yaml:"goal"`
	InitialStep string `json:"initial_step" yaml:"initial_step"`

	Steps map[string]Step `json:"steps" yaml:"steps"`
}

// Validate checks the graph once at load time: a known initial step, edges
// that point at existing steps, and at least one terminal step. It returns a
// joined error listing every problem found.
func (s *Scenario) Validate() error {
	var errs []error

	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("scenario has no steps"))
	}
	if s.InitialStep == "" {
		errs = append(errs, errors.New("initial_step is required"))
	} else if _, ok := s.Steps[s.InitialStep]; !ok {
		errs = append(errs, fmt.Errorf("initial_step %q not found", s.InitialStep))
	}

	hasTerminal := false
	for id, step := range s.Steps {
		if step.ID != "" && step.ID != id {
			errs = append(errs, fmt.Errorf("step %q: id field %q does not match key", id, step.ID))
		}
		if step.Terminal {
			hasTerminal = true
		}
		for _, next := range step.NextSteps {
			if _, ok := s.Steps[next]; !ok {
				errs = append(errs, fmt.Errorf("step %q: next step %q not found", id, next))
			}
		}
	}
	if len(s.Steps) > 0 && !hasTerminal {
		errs = append(errs, errors.New("scenario has no terminal step"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("scenario %q: %w", s.ID, errors.Join(errs...))
	}
	return nil
}

// RenderPrompt substitutes {{name}} placeholders in stepID's prompt template
// with values from vars. Unknown placeholders are left verbatim so a missing
// variable is visible in the generated prompt rather than silently blank.
func (s *Scenario) RenderPrompt(stepID string, vars map[string]string) string {
	step, ok := s.Steps[stepID]
	if !ok {
		return ""
	}
	out := step.PromptTemplate
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
