package loop

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/loopcore/llm"
	"github.com/kadirpekel/loopcore/planner"
	"github.com/kadirpekel/loopcore/runctx"
	"github.com/kadirpekel/loopcore/tool"
)

// agentIdentity is the identity/capabilities block of the system prompt.
const agentIdentity = `## Identité
Tu es un assistant IA avancé avec des capacités d'agent autonome. Tu peux:
- Réfléchir et planifier avant d'agir
- Lire et écrire des fichiers
- Exécuter des commandes shell
- Rechercher sur le web et interroger des APIs
- Te connecter à des serveurs MCP externes
- Itérer et améliorer tes réponses

Tu travailles de manière autonome mais tu demandes confirmation pour les actions dangereuses.
`

// thinkingInstructions explains the reasoning and error-recovery protocol.
const thinkingInstructions = `## Mode Réflexion
Avant chaque action importante, prends le temps de réfléchir:

<thinking>
- Quel est l'objectif principal ?
- Quelles informations ai-je besoin ?
- Quel outil est le plus approprié ?
</thinking>

## Gestion des erreurs
Quand un outil échoue:
- NE T'ARRÊTE JAMAIS après une seule erreur
- Essaie une approche alternative (autre outil, autres paramètres)
- Si après 2-3 tentatives rien ne fonctionne, explique le problème et propose des solutions
`

// planningInstructions explains the plan format.
const planningInstructions = `## Planification
Pour les tâches complexes, crée un plan structuré sous forme de liste JSON:
{"todos": [{"id": "1", "content": "Analyser le code", "status": "in_progress"}]}
Mets à jour le statut des tâches au fil de ta progression.
`

// summaryInstruction replaces the tool protocol when the Stuckness
// Detector forces a final summary.
const summaryInstruction = `## Demande de Résumé
Tu sembles tourner en boucle. N'utilise PLUS d'outils.
Fournis maintenant un résumé clair et concis qui répond à la question initiale,
avec les points clés trouvés et une conclusion.
`

// buildSystemPrompt concatenates the per-iteration system prompt: base
// preamble, identity, reasoning instructions, tool descriptors with one
// example each, the compacted dynamic context, the plan summary, and the
// anchor messages. Anchors are part of the system prompt so history
// clipping can never drop them.
func (d *Driver) buildSystemPrompt(run *runctx.Context, plan *planner.Plan, forceSummary bool) string {
	var b strings.Builder

	if base := strings.TrimSpace(d.cfg.BasePrompt); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}

	b.WriteString(agentIdentity)
	b.WriteString("\n")

	if d.cfg.EnableThinking {
		b.WriteString(thinkingInstructions)
		b.WriteString("\n")
	}

	if forceSummary {
		b.WriteString(summaryInstruction)
		b.WriteString("\n")
	} else {
		if infos := d.registry.Enumerate(); len(infos) > 0 {
			b.WriteString(buildToolInstructions(infos))
			b.WriteString("\n")
		}
		if d.cfg.EnablePlanning {
			b.WriteString(planningInstructions)
			b.WriteString("\n")
		}
	}

	b.WriteString(buildContextReminder(run, d.cfg.MaxIterations))

	if plan != nil {
		b.WriteString(buildPlanReminder(plan))
	}

	b.WriteString(buildAnchorSection(run))

	return b.String()
}

// buildToolInstructions renders the tool protocol and the registered
// descriptors, one example invocation each.
func buildToolInstructions(infos []tool.Info) string {
	var b strings.Builder
	b.WriteString(`## Outils Disponibles

Pour utiliser un outil, réponds UNIQUEMENT avec un objet JSON dans ce format:
` + "```json" + `
{"tool": "nom_outil", "params": {...}}
` + "```" + `

⚠️ IMPORTANT:
- Utilise UN SEUL outil par message
- N'ajoute PAS de texte avant ou après le JSON
- Attends le résultat avant de continuer
- Si un outil échoue, essaie une approche différente
- N'utilise JAMAIS de placeholders dans les paramètres: mets toujours les vraies données

### Liste des outils:

`)

	for _, info := range infos {
		fmt.Fprintf(&b, "**%s**\n  Description: %s\n", info.Name, info.Description)
		if props, ok := info.Schema["properties"].(map[string]any); ok && len(props) > 0 {
			b.WriteString("  Paramètres:\n")
			for _, name := range sortedKeys(props) {
				schema, _ := props[name].(map[string]any)
				typeStr, _ := schema["type"].(string)
				if typeStr == "" {
					typeStr = "any"
				}
				desc, _ := schema["description"].(string)
				fmt.Fprintf(&b, "    - %s: %s - %s\n", name, typeStr, desc)
			}
		}
		fmt.Fprintf(&b, "  Exemple: %s\n\n", exampleCall(info))
	}

	return b.String()
}

// exampleCall synthesizes one example invocation from the descriptor's
// schema, using a placeholder value per declared property type.
func exampleCall(info tool.Info) string {
	params := map[string]any{}
	if props, ok := info.Schema["properties"].(map[string]any); ok {
		for _, name := range sortedKeys(props) {
			schema, _ := props[name].(map[string]any)
			typeStr, _ := schema["type"].(string)
			switch typeStr {
			case "number", "integer":
				params[name] = 1
			case "boolean":
				params[name] = true
			case "array":
				params[name] = []any{}
			case "object":
				params[name] = map[string]any{}
			default:
				params[name] = "..."
			}
		}
	}
	raw, err := json.Marshal(map[string]any{"tool": info.Name, "params": params})
	if err != nil {
		return fmt.Sprintf(`{"tool": %q, "params": {}}`, info.Name)
	}
	return string(raw)
}

// buildContextReminder renders the compacted dynamic context: iteration
// counter, elapsed time when past 30s, the last three tool outcomes, and
// the error/stuck warnings.
func buildContextReminder(run *runctx.Context, maxIterations int) string {
	var b strings.Builder
	b.WriteString("\n## Rappel de Contexte\n")
	fmt.Fprintf(&b, "- Itération: %d/%d\n", run.Iteration, maxIterations)

	if elapsed := run.Elapsed().Seconds(); elapsed > 30 {
		fmt.Fprintf(&b, "- Temps écoulé: %.0fs (attention au temps)\n", elapsed)
	}

	if len(run.ToolHistory) > 0 {
		b.WriteString("- Outils récemment utilisés:\n")
		start := len(run.ToolHistory) - 3
		if start < 0 {
			start = 0
		}
		for _, entry := range run.ToolHistory[start:] {
			marker := "✅"
			if !entry.Succeeded() {
				marker = "❌"
			}
			fmt.Fprintf(&b, "  %s %s (%dms)\n", marker, entry.ToolName, entry.Duration.Milliseconds())
		}
	}

	if run.ConsecutiveErrors > 0 {
		fmt.Fprintf(&b, "\n⚠️ %d erreur(s) consécutive(s). Essaie une approche différente.\n", run.ConsecutiveErrors)
	}

	if run.StuckIterations > 0 {
		b.WriteString("\n⚠️ ATTENTION: Tu sembles répéter les mêmes actions. Change d'approche!\n")
	}

	return b.String()
}

func buildPlanReminder(plan *planner.Plan) string {
	var b strings.Builder
	b.WriteString("\n## Plan Actuel\n")
	if plan.Goal != "" {
		fmt.Fprintf(&b, "Objectif: %s\n", plan.Goal)
	}
	fmt.Fprintf(&b, "Progression: %.0f%%\n", plan.ProgressFraction()*100)

	if next, ok := plan.NextTask(); ok {
		fmt.Fprintf(&b, "🔄 Prochaine tâche: %s\n", next.Description)
	}
	return b.String()
}

func buildAnchorSection(run *runctx.Context) string {
	if len(run.Anchors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Messages Ancrés\n")
	for _, anchor := range run.Anchors {
		fmt.Fprintf(&b, "- [%s] %s\n", anchor.Reason, anchor.Content)
	}
	return b.String()
}

// assembleMessages builds the engine payload: the system prompt first,
// then the conversation clipped to the most recent window messages. When
// budgetTokens > 0, the window is clipped further: oldest messages are
// dropped until the estimated prompt fits the budget. The system prompt
// (which carries the anchors) and the newest message are never dropped.
func assembleMessages(system string, history []llm.Message, window, budgetTokens int) []llm.Message {
	clipped := history
	if window > 0 && len(clipped) > window {
		clipped = clipped[len(clipped)-window:]
	}

	if budgetTokens > 0 {
		available := budgetTokens - runctx.EstimateTokens(system)
		for len(clipped) > 1 && estimateMessages(clipped) > available {
			clipped = clipped[1:]
		}
	}

	messages := make([]llm.Message, 0, len(clipped)+1)
	messages = append(messages, llm.Message{Role: llm.System, Content: system})
	messages = append(messages, clipped...)
	return messages
}

func estimateMessages(messages []llm.Message) int {
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	return runctx.EstimateMessageTokens(contents)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
