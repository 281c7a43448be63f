package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// flashcardSchema constrains the round-3 verdict: the card list the client
// renders. Only title is hard-required per card; the rest degrade gracefully.
const flashcardSchema = `{
	"type": "object",
	"properties": {
		"flashcards": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id":                  {"type": "string"},
					"card_type":           {"type": "string"},
					"title":               {"type": "string", "minLength": 1},
					"description":         {"type": "string"},
					"fix_action":          {"type": "string"},
					"severity":            {"type": "string"},
					"swipe_right_payload": {"type": "string"},
					"source_agent":        {"type": "string"}
				},
				"required": ["title"]
			}
		}
	},
	"required": ["flashcards"]
}`

// objectSchema is the floor for every other structured stage: any JSON object.
const objectSchema = `{"type": "object"}`

var (
	compiledFlashcards = jsonschema.MustCompileString("flashcards.json", flashcardSchema)
	compiledObject     = jsonschema.MustCompileString("object.json", objectSchema)
)

// ValidateStagePayload checks a structured stage output against its schema.
func ValidateStagePayload(stageID string, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}

	sch := compiledObject
	if stageID == "round3" {
		sch = compiledFlashcards
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// CleanModelJSON strips markdown code fences and leading/trailing prose from
// a model response, leaving the outermost JSON object. Models routinely wrap
// JSON in ```json fences or add commentary around it.
func CleanModelJSON(text string) json.RawMessage {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```json") {
		s = s[len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "{") {
		if i := strings.Index(s, "{"); i >= 0 {
			s = s[i:]
		}
	}
	if !strings.HasSuffix(s, "}") {
		if i := strings.LastIndex(s, "}"); i >= 0 {
			s = s[:i+1]
		}
	}
	return json.RawMessage(s)
}
