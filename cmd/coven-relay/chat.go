// ABOUTME: The chat command: one-shot or interactive turns rendered as they stream
// ABOUTME: Ctrl-C cancels the running turn; slash commands manage agents and workspaces

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/jsonx"
)

type chatOptions struct {
	model      string
	mode       string
	workspace  string
	transcript string
	quiet      bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message, or start an interactive session when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.model, "model", "", "model to use (default conversation.model)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "agent or ask (default conversation.mode)")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "workspace root for this chat (default workspace.root)")
	cmd.Flags().StringVar(&opts.transcript, "transcript", "", "append finished turns to this JSON lines file")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "skip the banner")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootOptions, opts *chatOptions, message string) error {
	cfg, configPath, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if message == "" && !opts.quiet {
		color.New(color.FgCyan).Fprint(out, banner)
		fmt.Fprintf(out, "    %s %s\n", color.GreenString("▶"), "config: "+configPath)
		fmt.Fprintf(out, "    %s %s\n\n", color.GreenString("▶"), color.HiBlackString("/help for commands, ctrl-d to quit"))
	}

	var sink conversation.TranscriptSink
	if opts.transcript != "" {
		f, err := os.OpenFile(opts.transcript, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening transcript: %w", err)
		}
		defer f.Close()
		sink = &jsonlTranscript{w: f}
	}

	ctx := cmd.Context()
	p := a.newPool()
	defer p.Close(context.Background())
	handled := dedupe.NewDefault()
	defer handled.Close()
	svc := a.newService(p, handled, sink)
	defer svc.Close(context.Background())

	events := svc.Subscribe(ctx)
	c := &chat{
		svc:       svc,
		events:    events,
		r:         newRenderer(out),
		out:       out,
		model:     opts.model,
		mode:      conversation.ToolMode(cfg.Conversation.Mode),
		workspace: opts.workspace,
	}
	if opts.mode != "" {
		c.mode = conversation.ToolMode(opts.mode)
	}

	if message != "" {
		return c.turn(ctx, message)
	}
	return c.loop(ctx, cmd.InOrStdin())
}

type chat struct {
	svc    *conversation.Service
	events <-chan conversation.ChatEvent
	r      *renderer
	out    io.Writer

	model     string
	mode      conversation.ToolMode
	workspace string

	agentID        string
	conversationID string
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, color.GreenString("> "))
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintln(c.out, color.RedString("%v", err))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.turn(ctx, line); err != nil {
			fmt.Fprintln(c.out, color.RedString("%v", err))
		}
	}
}

func (c *chat) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, `/new                      start a new conversation
/spawn <id> [tool,...]     create a sub-agent limited to the given tools
/use <id>                  talk to an agent (lead for the main agent)
/close <id>                close a sub-agent
/agents                    list agents
/workspace <path>          set the workspace for new conversations
/quit                      leave`)
	case "/new":
		c.conversationID = ""
	case "/spawn":
		if len(fields) < 2 {
			return false, errors.New("usage: /spawn <id> [tool,...]")
		}
		var tools []string
		if len(fields) > 2 {
			tools = strings.Split(fields[2], ",")
		}
		agent, err := c.svc.SpawnAgent(ctx, conversation.AgentSpec{ID: fields[1], Tools: tools, Workspace: c.workspace})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "agent %s ready\n", agent.ID)
	case "/use":
		if len(fields) != 2 {
			return false, errors.New("usage: /use <id>")
		}
		c.agentID, c.conversationID = fields[1], ""
		if c.agentID == conversation.LeadAgent {
			c.agentID = ""
		}
	case "/close":
		if len(fields) != 2 {
			return false, errors.New("usage: /close <id>")
		}
		if c.agentID == fields[1] {
			c.agentID, c.conversationID = "", ""
		}
		return false, c.svc.CloseAgent(ctx, fields[1])
	case "/agents":
		for _, a := range c.svc.Agents() {
			tools := "all tools"
			if len(a.Tools) > 0 {
				tools = strings.Join(a.Tools, ", ")
			}
			fmt.Fprintf(c.out, "%s  %s\n", color.New(color.Bold).Sprint(a.ID), color.HiBlackString(tools))
		}
	case "/workspace":
		if len(fields) != 2 {
			return false, errors.New("usage: /workspace <path>")
		}
		c.workspace, c.conversationID = fields[1], ""
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// turn sends one message and renders its events until Done. An interrupt
// cancels the turn instead of the program.
func (c *chat) turn(ctx context.Context, text string) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	turn, err := c.svc.SendTurn(ctx, conversation.TurnRequest{
		ConversationID: c.conversationID,
		AgentID:        c.agentID,
		Text:           text,
		Model:          c.model,
		ToolMode:       c.mode,
		Workspace:      c.workspace,
	})
	if err != nil {
		return err
	}
	c.conversationID = turn.ConversationID

	var failed error
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Token != "" && ev.Token != turn.Token {
				c.r.render(ev)
				continue
			}
			if ev.ConversationID != "" {
				c.conversationID = ev.ConversationID
			}
			c.r.render(ev)
			if ev.Kind == conversation.EventError {
				failed = errors.New(ev.Text)
			}
			if ev.Kind == conversation.EventDone {
				return failed
			}
		case <-interrupts:
			if err := c.svc.Cancel(ctx, turn.Token); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// jsonlTranscript appends one JSON object per finished turn.
type jsonlTranscript struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *jsonlTranscript) RecordTurn(_ context.Context, rec conversation.TurnRecord) error {
	line, err := jsonx.Marshal(map[string]any{
		"token":           rec.Token,
		"conversation_id": rec.ConversationID,
		"agent_id":        rec.AgentID,
		"prompt":          rec.Prompt,
		"reply":           rec.Reply,
		"cancelled":       rec.Cancelled,
		"error":           rec.Err,
		"started_at":      rec.StartedAt,
		"ended_at":        rec.EndedAt,
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.w.Write(append(line, '\n'))
	return err
}
