// ABOUTME: The tools command: lists local tools and the compound tools built from configured tool servers
// ABOUTME: Starts every enabled tool server locally without contacting the backend

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/aggregate"
	"github.com/2389/coven-relay/internal/jsonx"
	"github.com/2389/coven-relay/internal/toolserver"
)

func newToolsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Start configured tool servers and list every tool the backend would see",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, setupLogger(cfg.Logging))
			if err != nil {
				return err
			}
			return a.listTools(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool definitions as JSON")
	return cmd
}

type toolListing struct {
	Local    []toolEntry `json:"local"`
	Compound []toolEntry `json:"compound"`
	Failed   []string    `json:"failed,omitempty"`
}

type toolEntry struct {
	Name        string         `json:"name"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Actions     []string       `json:"actions,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

func (a *app) listTools(ctx context.Context, out io.Writer, asJSON bool) error {
	mgr := toolserver.NewManager(toolserver.ManagerConfig{
		Logger:         a.logger,
		Env:            a.env,
		RequestTimeout: a.cfg.Backend.RequestTimeout,
	})
	defer mgr.StopAll()

	var servers []toolserver.ServerConfig
	for _, s := range a.cfg.ServerConfigs() {
		if !s.Disabled {
			servers = append(servers, s)
		}
	}
	var listing toolListing
	if err := mgr.StartAll(ctx, servers); err != nil {
		a.logger.Warn("some tool servers failed to start", "error", err)
		listing.Failed = failedServers(servers, mgr.Handles())
	}

	agg := aggregate.New(mgr, aggregate.Options{
		Aliases:        a.cfg.Tools.Aliases,
		StrictRequired: a.cfg.Tools.StrictRequired,
	}, a.logger)
	agg.Rebuild(mgr.Handles())

	packOf := make(map[string]string)
	for _, p := range a.registry.ListPacks() {
		for _, name := range p.ToolNames {
			packOf[name] = p.ID
		}
	}
	for _, def := range a.registry.Definitions(nil) {
		listing.Local = append(listing.Local, toolEntry{
			Name:        def.Name,
			Source:      packOf[def.Name],
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	for _, e := range agg.Entries() {
		listing.Compound = append(listing.Compound, toolEntry{
			Name:        e.Name,
			Source:      e.Server,
			Description: e.Description,
			Actions:     e.Actions(),
			InputSchema: e.Schema,
		})
	}

	if asJSON {
		data, err := jsonx.MarshalIndent(listing, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	bold := color.New(color.Bold)
	bold.Fprintln(out, "Local tools")
	for _, t := range listing.Local {
		fmt.Fprintf(out, "  %-24s %s %s\n", t.Name, color.HiBlackString("[%s]", t.Source), firstLine(t.Description))
	}
	fmt.Fprintln(out)
	bold.Fprintln(out, "Tool servers")
	if len(listing.Compound) == 0 {
		fmt.Fprintln(out, color.HiBlackString("  none"))
	}
	for _, t := range listing.Compound {
		fmt.Fprintf(out, "  %-24s %s %s\n", t.Name, color.HiBlackString("[%s]", t.Source), strings.Join(t.Actions, ", "))
	}
	for _, name := range listing.Failed {
		fmt.Fprintf(out, "  %-24s %s\n", name, color.RedString("failed to start"))
	}
	return nil
}

func failedServers(wanted []toolserver.ServerConfig, running []*toolserver.Handle) []string {
	up := make(map[string]bool, len(running))
	for _, h := range running {
		up[h.Config.Name] = true
	}
	var failed []string
	for _, s := range wanted {
		if !up[s.Name] {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
