// Package tool provides the built-in tool set registered by default:
// file_read, file_write, list_dir, shell, http_fetch.
package tool

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor derives a JSON Schema map from a typed args struct. Fields
// without omitempty become required; jsonschema struct tags carry the
// descriptions shown to the model.
func schemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := r.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// decodeArgs maps loosely-typed tool input onto a typed args struct.
func decodeArgs(args map[string]any, into any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}
