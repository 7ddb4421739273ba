package tool

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a typed params struct into the self-describing
// object schema the registry validates against, so tools can declare
// their parameters as a Go struct instead of hand-writing schema maps.
// Field descriptions come from `jsonschema:"description=..."` tags.
func GenerateSchema(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}

	// Draft metadata is noise in an LLM-facing descriptor.
	delete(out, "$schema")
	delete(out, "$id")
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}
