// ABOUTME: Pure transform that rewrites JSON Schemas into the backend's restricted dialect.
// ABOUTME: Collapses unions and array types and fills in missing types, recursively.

package schema

import (
	"github.com/spf13/cast"
)

// Sanitize returns a sanitized deep copy of s. The input is never modified
// and Sanitize(Sanitize(s)) equals Sanitize(s).
//
// Rules, applied at every level reached through properties, items and
// additionalProperties:
//   - anyOf/oneOf collapse to the first non-null variant; that variant's
//     keywords fill in whatever the node does not already define.
//   - an array-valued type collapses to its first non-null entry.
//   - a missing type becomes "object" when properties is present, otherwise
//     "string".
func Sanitize(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	return sanitizeNode(s)
}

func sanitizeNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = deepCopy(v)
	}

	collapseUnions(out)
	out["type"] = resolveType(out)

	if props, ok := out["properties"].(map[string]any); ok {
		clean := make(map[string]any, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				clean[name] = sanitizeNode(pm)
			} else {
				clean[name] = p
			}
		}
		out["properties"] = clean
	}

	switch items := out["items"].(type) {
	case map[string]any:
		out["items"] = sanitizeNode(items)
	case []any:
		clean := make([]any, len(items))
		for i, it := range items {
			if im, ok := it.(map[string]any); ok {
				clean[i] = sanitizeNode(im)
			} else {
				clean[i] = it
			}
		}
		out["items"] = clean
	}

	if ap, ok := out["additionalProperties"].(map[string]any); ok {
		out["additionalProperties"] = sanitizeNode(ap)
	}
	return out
}

// collapseUnions folds anyOf/oneOf into the node. A union whose variant is
// itself a union is folded again.
func collapseUnions(node map[string]any) {
	for depth := 0; depth < 16; depth++ {
		key := ""
		for _, k := range []string{"anyOf", "oneOf"} {
			if _, ok := node[k]; ok {
				key = k
				break
			}
		}
		if key == "" {
			return
		}
		variants, _ := node[key].([]any)
		delete(node, key)

		chosen := firstNonNullVariant(variants)
		if chosen == nil {
			continue
		}
		if _, hasType := node["type"]; hasType {
			// The variant's type wins over a type written alongside the union.
			delete(node, "type")
		}
		for k, v := range chosen {
			if _, exists := node[k]; !exists {
				node[k] = v
			}
		}
	}
}

func firstNonNullVariant(variants []any) map[string]any {
	for _, v := range variants {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["type"].(string); ok && t == "null" {
			continue
		}
		return m
	}
	return nil
}

func resolveType(node map[string]any) string {
	switch t := node["type"].(type) {
	case string:
		if t != "" {
			return t
		}
	case nil:
	default:
		for _, entry := range cast.ToStringSlice(t) {
			if entry != "" && entry != "null" {
				return entry
			}
		}
		return "string"
	}
	if _, ok := node["properties"]; ok {
		return "object"
	}
	return "string"
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Properties returns the properties map of a schema, or nil.
func Properties(s map[string]any) map[string]any {
	props, _ := s["properties"].(map[string]any)
	return props
}

// Required returns the required property names of a schema.
func Required(s map[string]any) []string {
	if s == nil {
		return nil
	}
	return cast.ToStringSlice(s["required"])
}
