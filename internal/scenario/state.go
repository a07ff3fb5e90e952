package scenario

import (
	"fmt"
	"log/slog"
	"slices"
)

// State is the per-session runtime position within a [Scenario]. It is owned
// by the session's logical task; concurrent access is the caller's concern.
type State struct {
	CurrentStep    string            `json:"current_step"`
	CompletedSteps []string          `json:"completed_steps"`
	Variables      map[string]string `json:"variables"`
}

// NewState returns the initial runtime state for sc.
func NewState(sc *Scenario) *State {
	return &State{
		CurrentStep: sc.InitialStep,
		Variables:   make(map[string]string),
	}
}

// Update is the directive extracted from a generation response.
type Update struct {
	NextStep  string            `json:"next_step"`
	Variables map[string]string `json:"variables"`
}

// ApplyUpdate merges u into the state. Variables always merge (last write
// wins). A step move is accepted when the target is one of the current step's
// permitted next steps, or when the current step is non-terminal and the
// target exists in the graph; the old current step then moves into
// CompletedSteps exactly once. Unknown targets are rejected with
// [ErrUnknownStep] and leave the step position unchanged.
func (st *State) ApplyUpdate(sc *Scenario, u Update) error {
	for name, value := range u.Variables {
		if st.Variables == nil {
			st.Variables = make(map[string]string)
		}
		st.Variables[name] = value
	}

	if u.NextStep == "" || u.NextStep == st.CurrentStep {
		return nil
	}

	current, ok := sc.Steps[st.CurrentStep]
	if !ok {
		return fmt.Errorf("%w: current step %q not in graph", ErrUnknownStep, st.CurrentStep)
	}

	permitted := slices.Contains(current.NextSteps, u.NextStep)
	if !permitted {
		if _, exists := sc.Steps[u.NextStep]; !exists || current.Terminal {
			slog.Warn("scenario update rejected",
				"scenario", sc.ID,
				"current_step", st.CurrentStep,
				"next_step", u.NextStep,
			)
			return fmt.Errorf("%w: %q is not reachable from %q", ErrUnknownStep, u.NextStep, st.CurrentStep)
		}
	}

	if !slices.Contains(st.CompletedSteps, st.CurrentStep) {
		st.CompletedSteps = append(st.CompletedSteps, st.CurrentStep)
	}
	st.CurrentStep = u.NextStep
	return nil
}

// Completed reports whether the state has reached a terminal step.
func (st *State) Completed(sc *Scenario) bool {
	step, ok := sc.Steps[st.CurrentStep]
	return ok && step.Terminal
}

// Context is the scenario portion of a generation prompt: everything the
// generation backend needs to steer the conversation through the exercise.
type Context struct {
	Name            string
	Goal            string
	StepName        string
	StepDescription string
	Prompt          string
	ExpectedVars    []string
	NextSteps       []string
	Completed       bool
	Variables       map[string]string
}

// BuildContext assembles the generation context for the state's current step,
// rendering the step's prompt template against the variable map.
func (st *State) BuildContext(sc *Scenario) Context {
	step := sc.Steps[st.CurrentStep]
	vars := make(map[string]string, len(st.Variables))
	for k, v := range st.Variables {
		vars[k] = v
	}
	return Context{
		Name:            sc.Name,
		Goal:            sc.Goal,
		StepName:        step.Name,
		StepDescription: step.Description,
		Prompt:          sc.RenderPrompt(st.CurrentStep, vars),
		ExpectedVars:    slices.Clone(step.ExpectedVars),
		NextSteps:       slices.Clone(step.NextSteps),
		Completed:       st.Completed(sc),
		Variables:       vars,
	}
}
