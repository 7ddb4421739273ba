package loop

import (
	"strings"

	"github.com/kadirpekel/loopcore/runctx"
	"github.com/kadirpekel/loopcore/tool"
)

// actionKind is the outcome of analyzing one streamed response.
type actionKind int

const (
	actionContinue actionKind = iota
	actionEmpty
	actionToolCall
	actionUnknownTool
	actionPlan
	actionThinking
	actionFinal
)

type action struct {
	Kind actionKind
	Call tool.Call
}

// analyzeResponse decides what the driver does with a streamed response:
// dispatch a tool call, extract a plan, keep thinking, treat it as the
// final answer, or just continue. The checks run in the spec's precedence
// order; the first match wins.
func (d *Driver) analyzeResponse(response string, run *runctx.Context) action {
	if strings.TrimSpace(response) == "" {
		return action{Kind: actionEmpty}
	}

	if call, ok := tool.ExtractToolCall(response); ok {
		if _, known := d.registry.Lookup(call.Name); known {
			return action{Kind: actionToolCall, Call: call}
		}
		return action{Kind: actionUnknownTool, Call: call}
	}

	if d.cfg.EnablePlanning && containsPlanMarkers(response) {
		return action{Kind: actionPlan}
	}

	if d.cfg.EnableThinking && containsThinkingMarkers(response) {
		return action{Kind: actionThinking}
	}

	if isFinalResponse(response, run) {
		return action{Kind: actionFinal}
	}

	return action{Kind: actionContinue}
}

var planMarkers = []string{
	"\"plan\":", "\"tasks\":", "\"todo\":", "\"todos\":",
	"## Plan", "## Étapes", "## Tasks",
	"- [ ]", "- [x]",
}

func containsPlanMarkers(response string) bool {
	for _, marker := range planMarkers {
		if strings.Contains(response, marker) {
			return true
		}
	}
	return false
}

var thinkingMarkers = []string{
	"<thinking>", "</thinking>",
	"<réflexion>", "</réflexion>",
	"je réfléchis", "analysons",
	"let me think", "i need to",
}

func containsThinkingMarkers(response string) bool {
	lower := strings.ToLower(response)
	for _, marker := range thinkingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// closingPhrases are the final-answer indicators; any one of them marks
// the response as final regardless of length.
var closingPhrases = []string{
	"En résumé", "En conclusion", "Pour conclure",
	"Voici la réponse", "J'ai terminé", "Voilà",
	"N'hésite pas", "Si tu as d'autres", "Dis-moi si",
	"In summary", "In conclusion", "To summarize",
	"Here's the answer", "I've completed", "Let me know if",
}

const toolCallMarker = `{"tool"`

// isFinalResponse applies the final-response heuristic: the response
// carries no extractable tool call (already established by the caller) and
// either it is short after tool usage, matches a closing phrase, or is a
// medium-length answer with no tool-call JSON in it.
func isFinalResponse(response string, run *runctx.Context) bool {
	if len(response) < 500 && len(run.ToolHistory) > 0 {
		return true
	}

	for _, phrase := range closingPhrases {
		if strings.Contains(response, phrase) {
			return true
		}
	}

	if len(response) >= 100 && len(response) <= 2000 && !strings.Contains(response, toolCallMarker) {
		return true
	}

	return false
}

// extractThinking pulls the content of <thinking> blocks for the thinking
// log; absent explicit tags the whole response is the reasoning.
func extractThinking(response string) string {
	start := strings.Index(response, "<thinking>")
	if start < 0 {
		start = strings.Index(response, "<réflexion>")
		if start < 0 {
			return response
		}
		start += len("<réflexion>")
		if end := strings.Index(response[start:], "</réflexion>"); end >= 0 {
			return strings.TrimSpace(response[start : start+end])
		}
		return strings.TrimSpace(response[start:])
	}
	start += len("<thinking>")
	if end := strings.Index(response[start:], "</thinking>"); end >= 0 {
		return strings.TrimSpace(response[start : start+end])
	}
	return strings.TrimSpace(response[start:])
}
