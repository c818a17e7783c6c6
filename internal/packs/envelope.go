// ABOUTME: Wraps executor output into the response envelope the backend expects per class.

package packs

import (
	"strings"

	"github.com/2389/coven-relay/internal/jsonx"
)

// ResultContent is one content item of a registered-class result.
type ResultContent struct {
	Value string `json:"value"`
}

// ToolResult is the first element of a registered-class envelope.
type ToolResult struct {
	Content []ResultContent `json:"content"`
	Status  string          `json:"status"`
}

// EnvelopeError is the optional second element of a registered-class envelope.
type EnvelopeError struct {
	Message string `json:"message"`
}

// Envelope builds the two-element registered-class response.
func Envelope(text, status string, failure *EnvelopeError) []any {
	res := ToolResult{Content: []ResultContent{{Value: text}}, Status: status}
	if failure == nil {
		return []any{res, nil}
	}
	return []any{res, failure}
}

// OutputText flattens executor output to display text.
func OutputText(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []TextPart:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = p.Value
		}
		return strings.Join(parts, "\n")
	case Mutation, map[string]any:
		m, _ := asMutation(v)
		if msg := m.Message(); msg != "" {
			return msg
		}
	}
	b, err := jsonx.Marshal(out)
	if err != nil {
		return ""
	}
	return string(b)
}

// wrap shapes output for the tool's class.
func wrap(class Class, out any, execErr error) any {
	if class == ClassNative {
		if execErr != nil {
			return Text("Error: " + execErr.Error())
		}
		return out
	}
	if execErr != nil {
		return Envelope("Error: "+execErr.Error(), ResultError, nil)
	}
	status := ResultSuccess
	if m, ok := asMutation(out); ok && !m.Succeeded() {
		status = ResultError
	}
	return Envelope(OutputText(out), status, nil)
}

// asMutation accepts both Mutation and a plain map carrying a result tag.
func asMutation(out any) (Mutation, bool) {
	switch v := out.(type) {
	case Mutation:
		return v, true
	case map[string]any:
		if _, ok := v["result"]; ok {
			return Mutation(v), true
		}
	}
	return nil, false
}
