package orchestrator

import (
	"fmt"
	"strings"

	"github.com/vocoach/vocoach/internal/continuity"
	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/pkg/provider/llm"
)

// historyWindow bounds how many turns of conversation history are sent to the
// generation backend.
const historyWindow = 6

const baseInstruction = `Tu es un coach vocal bienveillant qui aide l'utilisateur à pratiquer son expression orale en français. Réponds de façon brève et naturelle, comme à l'oral : deux ou trois phrases au maximum.

Termine chaque réponse par une ligne exactement de la forme :
[EMOTION: <une parmi: encouragement, empathie, neutre, enthousiasme_modere, curiosite, reflexion>]`

const scenarioUpdateInstruction = `Quand l'utilisateur a couvert l'étape en cours, insère dans ta réponse une directive de la forme :
[SCENARIO_UPDATE: {"next_step": "<id>", "variables": {"nom": "valeur"}}]
N'utilise que les étapes suivantes autorisées.`

const gentlePromptInstruction = "L'utilisateur marque une pause au milieu de sa phrase. Offre un très court encouragement (une phrase) pour l'inviter à continuer, sans répondre sur le fond."

// promptInput carries everything the builder needs for one generation call.
type promptInput struct {
	scenarioCtx *scenario.Context
	interrupted bool
	continuity  *continuity.Entry
	history     []llm.Message
	summary     string
}

// buildSystemPrompt assembles the system instruction: the emotion contract,
// the scenario context when an exercise is attached, and the resumption
// instruction when this reply follows an interruption.
func buildSystemPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString(baseInstruction)

	if in.summary != "" {
		fmt.Fprintf(&b, "\n\nRésumé de la conversation jusqu'ici : %s", in.summary)
	}

	if sc := in.scenarioCtx; sc != nil {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "Exercice en cours : %s", sc.Name)
		if sc.Goal != "" {
			fmt.Fprintf(&b, " — objectif : %s", sc.Goal)
		}
		fmt.Fprintf(&b, "\nÉtape actuelle : %s", sc.StepName)
		if sc.StepDescription != "" {
			fmt.Fprintf(&b, " (%s)", sc.StepDescription)
		}
		if sc.Prompt != "" {
			fmt.Fprintf(&b, "\nConsigne de l'étape : %s", sc.Prompt)
		}
		if len(sc.ExpectedVars) > 0 {
			fmt.Fprintf(&b, "\nInformations à obtenir de l'utilisateur : %s", strings.Join(sc.ExpectedVars, ", "))
		}
		if len(sc.Variables) > 0 {
			b.WriteString("\nInformations déjà connues :")
			for name, value := range sc.Variables {
				fmt.Fprintf(&b, " %s=%s", name, value)
			}
		}
		if sc.Completed {
			b.WriteString("\nL'exercice est terminé : félicite l'utilisateur et conclus la session.")
		} else if len(sc.NextSteps) > 0 {
			b.WriteString("\n\n")
			b.WriteString(scenarioUpdateInstruction)
			fmt.Fprintf(&b, "\nÉtapes suivantes autorisées : %s", strings.Join(sc.NextSteps, ", "))
		}
	}

	if in.interrupted {
		b.WriteString("\n\nL'utilisateur vient de t'interrompre. Réponds d'abord à ce qu'il dit maintenant.")
		if e := in.continuity; e != nil {
			phrases := continuity.Phrases(*e, continuity.KindGeneral)
			if len(phrases) > 0 {
				fmt.Fprintf(&b, " Ensuite, si c'est naturel, reviens au sujet précédent (%s) avec une transition comme : « %s »", e.Topic, phrases[0])
			}
		}
	}

	return b.String()
}

// buildMessages bounds the history to the most recent window and guarantees
// the slice is never empty for the backend call.
func buildMessages(history []llm.Message) []llm.Message {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	out := make([]llm.Message, len(history))
	copy(out, history)
	return out
}
