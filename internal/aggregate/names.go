// ABOUTME: Name rewriting for compound tools: trigger-word aliases and charset normalization.

package aggregate

import (
	"regexp"
	"sort"
	"strings"
)

// MaxNameLength is the longest tool name the backend accepts.
const MaxNameLength = 64

// DefaultAliases maps trigger words (matched case-insensitively) to neutral
// replacements.
var DefaultAliases = map[string]string{
	"browser":    "web",
	"playwright": "pw",
	"puppeteer":  "pt",
	"selenium":   "sl",
	"automation": "tasks",
	"scrape":     "fetch",
	"screenshot": "capture",
	"click":      "press",
	"navigate":   "goto",
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type aliasRule struct {
	pattern *regexp.Regexp
	repl    string
}

// Renamer rewrites names using an alias table.
type Renamer struct {
	rules []aliasRule
}

// NewRenamer compiles aliases. Longer trigger words are applied first so a
// word containing another is replaced whole.
func NewRenamer(aliases map[string]string) *Renamer {
	words := make([]string, 0, len(aliases))
	for w := range aliases {
		if w != "" {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})
	r := &Renamer{rules: make([]aliasRule, 0, len(words))}
	for _, w := range words {
		r.rules = append(r.rules, aliasRule{
			pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(w)),
			repl:    aliases[w],
		})
	}
	return r
}

// Rename applies the alias table and normalizes the result to the backend's
// name charset.
func (r *Renamer) Rename(name string) string {
	out := name
	for _, rule := range r.rules {
		out = rule.pattern.ReplaceAllLiteralString(out, rule.repl)
	}
	return Normalize(out)
}

// Normalize replaces characters outside [A-Za-z0-9_-] with underscores and
// truncates to MaxNameLength.
func Normalize(name string) string {
	out := invalidNameChars.ReplaceAllString(name, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		out = "tool"
	}
	if len(out) > MaxNameLength {
		out = out[:MaxNameLength]
	}
	return out
}
