// ABOUTME: The status command: starts one backend session and reports auth and tool routing

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/backend"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start a backend session and print sign-in and tool status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, setupLogger(cfg.Logging))
			if err != nil {
				return err
			}
			return a.status(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) status(ctx context.Context, out io.Writer) error {
	s := a.newSession("status")
	defer s.Close(context.Background())

	startErr := s.Start(ctx)
	printStatus(out, s)
	if startErr != nil {
		return fmt.Errorf("starting backend session: %w", startErr)
	}
	return nil
}

func printStatus(out io.Writer, s *backend.Session) {
	label := func(name string) string { return color.HiBlackString("%-14s", name) }

	state := s.State().String()
	if s.State() == backend.StateReady {
		state = color.GreenString(state)
	} else {
		state = color.RedString(state)
	}
	fmt.Fprintf(out, "%s %s\n", label("state"), state)
	fmt.Fprintf(out, "%s %s\n", label("auth"), s.AuthStatus())
	if user := s.User(); user != "" {
		fmt.Fprintf(out, "%s %s\n", label("user"), user)
	}
	if s.State() != backend.StateReady {
		return
	}

	routing := "client"
	if s.ServerSideTools() {
		routing = "server"
	}
	fmt.Fprintf(out, "%s %s\n", label("tool servers"), routing)
	for _, h := range s.ToolServers() {
		fmt.Fprintf(out, "%s %s (%d tools)\n", label(""), h.Config.Name, len(h.Tools))
	}

	tools := s.RegisteredTools()
	fmt.Fprintf(out, "%s %s\n", label("registered"), strings.Join(tools, ", "))

	flags := s.FeatureFlags()
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s %s=%s\n", label("flag"), name, cast.ToString(flags[name]))
	}
}
