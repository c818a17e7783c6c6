// ABOUTME: Derives tool input schemas from Go argument structs.

package schema

import (
	"github.com/invopop/jsonschema"

	"github.com/2389/coven-relay/internal/jsonx"
)

// Reflect builds an inline object schema from the struct type of v. Field
// descriptions come from `jsonschema:"description=..."` tags.
func Reflect(v any) map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	m, err := jsonx.ToMap(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
