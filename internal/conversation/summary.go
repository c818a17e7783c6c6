// ABOUTME: Display summaries of tool results: markdown flattened to one line and truncated.
// ABOUTME: Also extracts text and error status from the envelopes tool calls return.

package conversation

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/coven-relay/internal/jsonx"
	"github.com/2389/coven-relay/internal/packs"
)

// SummaryLimit is the default length of a tool result summary, in runes.
const SummaryLimit = 200

var markdown = goldmark.New()

// Summarize renders markdown as a single line of plain text of at most
// limit runes.
func Summarize(md string, limit int) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return truncate(strings.Join(strings.Fields(b.String()), " "), limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

// resultText pulls the display text out of a tool call result and reports
// whether it describes a failure.
func resultText(out any) (string, bool) {
	switch v := out.(type) {
	case []any:
		if len(v) > 0 {
			if res, ok := v[0].(packs.ToolResult); ok {
				parts := make([]string, len(res.Content))
				for i, c := range res.Content {
					parts[i] = c.Value
				}
				return strings.Join(parts, "\n"), res.Status == packs.ResultError
			}
		}
	case []packs.TextPart, string:
		s := packs.OutputText(v)
		return s, strings.HasPrefix(s, "Error:")
	case packs.Mutation:
		return packs.OutputText(v), !v.Succeeded()
	}
	s := packs.OutputText(out)
	return s, strings.HasPrefix(s, "Error:")
}

// roundResultText decodes the result attached to a round tool call. The
// backend sends either a list of {type,value} parts or of {content} items.
func roundResultText(raw jsonx.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var items []map[string]any
	if err := jsonx.Unmarshal(raw, &items); err != nil {
		var s string
		if jsonx.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	var parts []string
	for _, item := range items {
		for _, key := range []string{"value", "content", "text"} {
			if s, ok := item[key].(string); ok && s != "" {
				parts = append(parts, s)
				break
			}
		}
	}
	return strings.Join(parts, "\n")
}
