package orchestrator

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/vocoach/vocoach/internal/scenario"
)

// DirectiveStatus is the outcome of scanning a reply for one directive kind.
// "absent" and "malformed" both degrade to the same safe default, but the
// parser keeps them apart so the logs can tell a model that dropped the tag
// from one that mangled it.
type DirectiveStatus int

const (
	// DirectiveFound means a well-formed directive was parsed.
	DirectiveFound DirectiveStatus = iota
	// DirectiveAbsent means the reply carried no directive at all.
	DirectiveAbsent
	// DirectiveMalformed means a directive marker was present but unusable.
	DirectiveMalformed
)

// EmotionNeutral is the fallback emotion for absent or unusable tags.
const EmotionNeutral = "neutre"

// knownEmotions is the vocabulary the generation backend is instructed to
// use. Anything else falls back to neutre.
var knownEmotions = map[string]struct{}{
	"encouragement":       {},
	"empathie":            {},
	"neutre":              {},
	"enthousiasme_modere": {},
	"curiosite":           {},
	"reflexion":           {},
}

const (
	emotionTagPrefix  = "[EMOTION:"
	scenarioTagPrefix = "[SCENARIO_UPDATE:"
)

// ParseEmotion extracts the trailing "[EMOTION: x]" line from a generation
// reply. It returns the reply with the tag line removed, the parsed emotion,
// and whether the tag was found, absent, or malformed. Absent and malformed
// tags both yield EmotionNeutral; an unknown emotion name counts as
// malformed and its tag line is still stripped.
func ParseEmotion(text string) (clean string, emotion string, status DirectiveStatus) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	lineStart := strings.LastIndexByte(trimmed, '\n') + 1
	line := strings.TrimSpace(trimmed[lineStart:])

	if !strings.HasPrefix(line, emotionTagPrefix) || !strings.HasSuffix(line, "]") {
		return trimmed, EmotionNeutral, DirectiveAbsent
	}

	clean = strings.TrimRight(trimmed[:lineStart], " \t\r\n")
	name := strings.TrimSpace(line[len(emotionTagPrefix) : len(line)-1])
	name = strings.ToLower(name)

	if _, ok := knownEmotions[name]; !ok {
		slog.Warn("unknown emotion tag, falling back to neutre", "emotion", name)
		return clean, EmotionNeutral, DirectiveMalformed
	}
	return clean, name, DirectiveFound
}

// ParseScenarioUpdate extracts an embedded "[SCENARIO_UPDATE: {...}]" block
// from anywhere in a generation reply. It returns the reply with the block
// removed, the parsed update (nil unless status is DirectiveFound), and the
// parse status. Malformed JSON is stripped and ignored, never fatal.
func ParseScenarioUpdate(text string) (clean string, upd *scenario.Update, status DirectiveStatus) {
	start := strings.Index(text, scenarioTagPrefix)
	if start < 0 {
		return text, nil, DirectiveAbsent
	}

	rest := text[start+len(scenarioTagPrefix):]
	jsonStart := strings.IndexByte(rest, '{')
	if jsonStart < 0 {
		slog.Warn("scenario update directive without JSON body")
		return stripDirective(text, start, start+len(scenarioTagPrefix)), nil, DirectiveMalformed
	}

	body, bodyEnd := balancedJSON(rest[jsonStart:])
	if body == "" {
		slog.Warn("scenario update directive with unterminated JSON body")
		return stripDirective(text, start, len(text)), nil, DirectiveMalformed
	}

	// The block ends at the ']' closing the directive; tolerate a missing one.
	end := start + len(scenarioTagPrefix) + jsonStart + bodyEnd
	if end < len(text) && text[end] == ']' {
		end++
	}
	clean = stripDirective(text, start, end)

	var parsed scenario.Update
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		slog.Warn("scenario update directive with malformed JSON", "error", err)
		return clean, nil, DirectiveMalformed
	}
	return clean, &parsed, DirectiveFound
}

// balancedJSON returns the prefix of s forming one balanced JSON object and
// the index just past its closing brace, honouring braces inside strings.
// Returns "" when the object never closes.
func balancedJSON(s string) (string, int) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], i + 1
			}
		}
	}
	return "", 0
}

// stripDirective removes text[start:end] and tidies the surrounding whitespace.
func stripDirective(text string, start, end int) string {
	before := strings.TrimRight(text[:start], " \t")
	after := strings.TrimLeft(text[end:], " \t")
	if before != "" && after != "" && !strings.HasSuffix(before, "\n") {
		return strings.TrimSpace(before + " " + after)
	}
	return strings.TrimSpace(before + after)
}
