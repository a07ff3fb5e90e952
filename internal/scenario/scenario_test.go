package scenario

import (
	"errors"
	"testing"
)

// interviewScenario builds a small three-step coaching exercise.
func interviewScenario() *Scenario {
	return &Scenario{
		ID:          "entretien",
		Name:        "Simulation d'entretien",
		Goal:        "Préparer un entretien d'embauche",
		InitialStep: "intro",
		Steps: map[string]Step{
			"intro": {
				Name:           "Introduction",
				Description:    "Se présenter",
				PromptTemplate: "Demande au candidat de se présenter.",
				ExpectedVars:   []string{"name"},
				NextSteps:      []string{"experience"},
			},
			"experience": {
				Name:           "Expérience",
				Description:    "Parcours professionnel",
				PromptTemplate: "Interroge {{name}} sur son parcours.",
				ExpectedVars:   []string{"years"},
				NextSteps:      []string{"conclusion"},
			},
			"conclusion": {
				Name:     "Conclusion",
				Terminal: true,
			},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid graph", func(t *testing.T) {
		t.Parallel()
		if err := interviewScenario().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("dangling edge", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		step := sc.Steps["intro"]
		step.NextSteps = []string{"nowhere"}
		sc.Steps["intro"] = step
		if err := sc.Validate(); err == nil {
			t.Fatal("expected error for dangling next step")
		}
	})

	t.Run("missing initial step", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		sc.InitialStep = "ghost"
		if err := sc.Validate(); err == nil {
			t.Fatal("expected error for unknown initial step")
		}
	})

	t.Run("no terminal step", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		step := sc.Steps["conclusion"]
		step.Terminal = false
		sc.Steps["conclusion"] = step
		if err := sc.Validate(); err == nil {
			t.Fatal("expected error for missing terminal step")
		}
	})
}

func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	t.Run("permitted move records completion and merges variables", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		st := NewState(sc)

		err := st.ApplyUpdate(sc, Update{
			NextStep:  "experience",
			Variables: map[string]string{"name": "Jean"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if st.CurrentStep != "experience" {
			t.Fatalf("current step = %q, want experience", st.CurrentStep)
		}
		if len(st.CompletedSteps) != 1 || st.CompletedSteps[0] != "intro" {
			t.Fatalf("completed = %v, want [intro]", st.CompletedSteps)
		}
		if st.Variables["name"] != "Jean" {
			t.Fatalf("variables = %v", st.Variables)
		}
	})

	t.Run("unknown step leaves state unchanged", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		st := NewState(sc)

		err := st.ApplyUpdate(sc, Update{NextStep: "teleport"})
		if !errors.Is(err, ErrUnknownStep) {
			t.Fatalf("err = %v, want ErrUnknownStep", err)
		}
		if st.CurrentStep != "intro" || len(st.CompletedSteps) != 0 {
			t.Fatalf("state mutated: %+v", st)
		}
	})

	t.Run("replay does not duplicate completed step", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		st := NewState(sc)

		// Out-of-order but existing step is allowed from a non-terminal step.
		if err := st.ApplyUpdate(sc, Update{NextStep: "experience"}); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if err := st.ApplyUpdate(sc, Update{NextStep: "intro"}); err != nil {
			t.Fatalf("move back: %v", err)
		}
		if err := st.ApplyUpdate(sc, Update{NextStep: "experience"}); err != nil {
			t.Fatalf("replay: %v", err)
		}

		count := 0
		for _, id := range st.CompletedSteps {
			if id == "intro" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("intro completed %d times, want exactly once (%v)", count, st.CompletedSteps)
		}
	})

	t.Run("terminal step rejects non-permitted moves", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		st := &State{CurrentStep: "conclusion", Variables: map[string]string{}}

		err := st.ApplyUpdate(sc, Update{NextStep: "intro"})
		if !errors.Is(err, ErrUnknownStep) {
			t.Fatalf("err = %v, want ErrUnknownStep", err)
		}
	})

	t.Run("variables merge last write wins", func(t *testing.T) {
		t.Parallel()
		sc := interviewScenario()
		st := NewState(sc)

		_ = st.ApplyUpdate(sc, Update{Variables: map[string]string{"name": "Jean"}})
		_ = st.ApplyUpdate(sc, Update{Variables: map[string]string{"name": "Marie", "years": "5"}})

		if st.Variables["name"] != "Marie" || st.Variables["years"] != "5" {
			t.Fatalf("variables = %v", st.Variables)
		}
	})
}

func TestRenderPrompt(t *testing.T) {
	t.Parallel()

	sc := interviewScenario()

	got := sc.RenderPrompt("experience", map[string]string{"name": "Jean"})
	if got != "Interroge Jean sur son parcours." {
		t.Fatalf("rendered = %q", got)
	}

	// Unknown placeholders stay visible.
	got = sc.RenderPrompt("experience", nil)
	if got != "Interroge {{name}} sur son parcours." {
		t.Fatalf("rendered = %q", got)
	}
}

func TestBuildContext(t *testing.T) {
	t.Parallel()

	sc := interviewScenario()
	st := NewState(sc)
	_ = st.ApplyUpdate(sc, Update{NextStep: "experience", Variables: map[string]string{"name": "Jean"}})

	ctx := st.BuildContext(sc)
	if ctx.StepName != "Expérience" || ctx.Completed {
		t.Fatalf("context = %+v", ctx)
	}
	if ctx.Prompt != "Interroge Jean sur son parcours." {
		t.Fatalf("prompt = %q", ctx.Prompt)
	}
	if len(ctx.NextSteps) != 1 || ctx.NextSteps[0] != "conclusion" {
		t.Fatalf("next steps = %v", ctx.NextSteps)
	}

	// Mutating the returned context must not leak back into the state.
	ctx.Variables["name"] = "autre"
	if st.Variables["name"] != "Jean" {
		t.Fatal("context variables alias state variables")
	}
}
