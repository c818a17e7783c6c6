// ABOUTME: Renders ChatEvents to the terminal with colors
// ABOUTME: Reply text streams inline; tool activity and errors get their own lines

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/conversation"
)

type renderer struct {
	out     io.Writer
	midLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) text(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.midLine = !strings.HasSuffix(s, "\n")
}

func (r *renderer) render(ev conversation.ChatEvent) {
	agent := ""
	if ev.AgentID != "" && ev.AgentID != conversation.LeadAgent {
		agent = color.MagentaString("[%s] ", ev.AgentID)
	}

	switch ev.Kind {
	case conversation.EventDelta, conversation.EventAgentRound:
		r.text(ev.Text)
	case conversation.EventToolCall:
		r.breakLine()
		fmt.Fprintf(r.out, "%s%s %s%s\n", agent, color.CyanString("⚙"), color.New(color.Bold).Sprint(ev.ToolName), color.HiBlackString(formatInput(ev.ToolInput)))
	case conversation.EventToolResult:
		r.breakLine()
		mark := color.GreenString("✓")
		if ev.IsError {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(r.out, "%s%s %s %s\n", agent, mark, ev.ToolName, color.HiBlackString(ev.Text))
	case conversation.EventError:
		r.breakLine()
		fmt.Fprintf(r.out, "%s%s\n", agent, color.RedString("error: %s", ev.Text))
	case conversation.EventDone:
		r.breakLine()
		if ev.Cancelled {
			fmt.Fprintln(r.out, color.YellowString("(cancelled)"))
		}
	}
}

// formatInput renders tool arguments as " key=value ..." in key order.
func formatInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fmt.Sprint(input[k])
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}
