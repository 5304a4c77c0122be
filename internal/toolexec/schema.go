package toolexec

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// StructSchema generates a builtin tool's ParametersSchema from a Go struct,
// following internal/config/schema.go's Reflector-then-marshal shape
// (FieldNameTag "json" here, since builtin tool arguments are JSON
// function-call payloads, not YAML config).
func StructSchema(v any) map[string]any {
	r := &jsonschema.Reflector{FieldNameTag: "json", DoNotReference: true}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
