// ABOUTME: Wires config into the tool registry, session pool and conversation service
// ABOUTME: Every pooled session shares one registry, one process environment and one credential

package main

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/aggregate"
	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/builtins"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/procenv"
	"github.com/2389/coven-relay/internal/toolserver"
)

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *packs.Registry
	env      *procenv.Builder

	// dialer replaces the backend process. Used by tests.
	dialer backend.Dialer
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := packs.NewRegistry(logger)
	if cfg.Tools.BuiltinsEnabled() {
		if err := builtins.RegisterAll(registry); err != nil {
			return nil, fmt.Errorf("registering builtin tools: %w", err)
		}
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		env: &procenv.Builder{
			EnvFile: cfg.EnvFile,
			Proxy:   cfg.Backend.Proxy,
		},
	}, nil
}

func (a *app) backendDialer() backend.Dialer {
	if a.dialer != nil {
		return a.dialer
	}
	return &backend.ProcessDialer{
		Command: a.cfg.Backend.Command,
		Args:    a.cfg.Backend.Args,
		Env:     a.env,
		Logger:  a.logger,
	}
}

// sessionConfig builds the backend config for one tool set. tools is nil for
// the all-tools session.
func (a *app) sessionConfig(name string, tools []string) backend.Config {
	cfg := a.cfg
	editor := backend.EditorInfo{Name: cfg.Backend.EditorName, Version: cfg.Backend.EditorVersion}
	if editor.Version == "" {
		editor.Version = version
	}
	return backend.Config{
		Name:   name,
		Dialer: a.backendDialer(),
		Logger: a.logger,
		Credentials: backend.StaticCredentials{
			Token: cfg.Auth.Token,
			User:  cfg.Auth.User,
			AppID: cfg.Auth.AppID,
		},
		Editor:         editor,
		Plugin:         backend.EditorInfo{Name: "coven-relay", Version: version},
		WorkspaceRoot:  cfg.Workspace.Root,
		Proxy:          cfg.Backend.Proxy,
		ProxyStrictSSL: cfg.Backend.ProxyStrictSSL,
		Routing:        backend.Routing(cfg.Backend.Routing),
		ToolServers:    cfg.ServerConfigs(),
		Servers: toolserver.ManagerConfig{
			Logger:         a.logger,
			Env:            a.env,
			RequestTimeout: cfg.Backend.RequestTimeout,
		},
		Aggregate: aggregate.Options{
			Aliases:        cfg.Tools.Aliases,
			StrictRequired: cfg.Tools.StrictRequired,
		},
		Registry:     a.registry,
		AllowedTools: tools,
		FileChanged: func(path string) {
			a.logger.Debug("file changed by tool", "path", path)
		},
		ToolTimeout:     cfg.Backend.ToolTimeout,
		FeatureFlagWait: cfg.Backend.FeatureFlagWait,
		RequestTimeout:  cfg.Backend.RequestTimeout,
		ShutdownTimeout: cfg.Backend.ShutdownTimeout,
	}
}

func (a *app) newSession(name string) *backend.Session {
	return backend.NewSession(a.sessionConfig(name, a.cfg.Tools.Allowed))
}

func (a *app) newPool() *pool.Pool[*backend.Session] {
	return pool.New(func(key pool.ToolSetKey, tools []string) *backend.Session {
		if key == pool.AllTools {
			tools = a.cfg.Tools.Allowed
		}
		return backend.NewSession(a.sessionConfig(string(key), tools))
	}, a.logger)
}

func (a *app) newService(p *pool.Pool[*backend.Session], handled *dedupe.Set, sink conversation.TranscriptSink) *conversation.Service {
	return conversation.New(conversation.Config{
		Pool:          p,
		Logger:        a.logger,
		Transcripts:   sink,
		DefaultModel:  a.cfg.Conversation.Model,
		SummaryLimit:  a.cfg.Conversation.SummaryLimit,
		Handled:       handled,
		LeadWorkspace: a.cfg.Workspace.Root,
	})
}
