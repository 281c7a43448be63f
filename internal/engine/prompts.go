package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Stage prompt templates. The document context and agent personas are owned
// by the upstream submission service; the gateway only threads prior stage
// outputs through so each stage builds on the last.
var stagePrompts = map[string]string{
	"council":     "You are a review council of legal, business, and finance experts. Read the submitted documents and note your initial impressions.",
	"round1":      "Round 1 (blind draft): each expert analyzes the documents independently. Produce the three independent analyses.",
	"round2":      "Round 2 (cross-check): each expert reviews the peers' drafts below and refines their own analysis.",
	"round3":      "Round 3 (verdict): produce the final flashcards as JSON: {\"flashcards\": [{\"id\", \"card_type\", \"title\", \"description\", \"fix_action\", \"severity\", \"swipe_right_payload\", \"source_agent\"}]}. Return ONLY JSON.",
	"tech_audit":  "Perform a technical gap audit of the submitted specification. Return a JSON object describing gaps, risks, and missing requirements.",
	"legal_audit": "Perform a legal leverage audit of the submitted proposal. Return a JSON object with leverage score, traps, and recommended clauses.",
	"synthesis":   "Synthesize the prior stage outputs below into the final result payload as a single JSON object.",
}

// buildStagePrompt assembles the stage instruction plus prior stage outputs in
// stage order, so rounds see their predecessors' drafts.
func buildStagePrompt(req StageRequest) string {
	var sb strings.Builder
	sb.WriteString(stagePrompts[req.StageID])

	if len(req.Prior) > 0 {
		keys := make([]string, 0, len(req.Prior))
		for k := range req.Prior {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\n\n=== PRIOR STAGE OUTPUTS ===")
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n--- %s ---\n%s", k, renderPrior(req.Prior[k]))
		}
	}
	return sb.String()
}

// renderPrior unwraps JSON-string outputs so free-text drafts read as text.
func renderPrior(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
