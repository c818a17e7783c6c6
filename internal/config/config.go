// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and a YAML/TOML tool-server file

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/toolserver"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the complete coven-relay configuration
type Config struct {
	Backend      BackendConfig               `yaml:"backend"`
	Auth         AuthConfig                  `yaml:"auth"`
	Workspace    WorkspaceConfig             `yaml:"workspace"`
	Tools        ToolsConfig                 `yaml:"tools"`
	Conversation ConversationConfig          `yaml:"conversation"`
	Logging      LoggingConfig               `yaml:"logging"`
	ToolServers  map[string]ToolServerConfig `yaml:"tool_servers"`

	// ToolServersFile holds more tool servers, in YAML or TOML by extension.
	// Entries there win over tool_servers entries of the same name.
	ToolServersFile string `yaml:"tool_servers_file"`

	// EnvFile is a dotenv file layered over the host environment of every
	// spawned process.
	EnvFile string `yaml:"env_file"`
}

// BackendConfig describes how to launch and talk to the LM backend
type BackendConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Routing is auto, client or server. See backend.Routing*.
	Routing        string `yaml:"routing"`
	Proxy          string `yaml:"proxy"`
	ProxyStrictSSL bool   `yaml:"proxy_strict_ssl"`

	EditorName    string `yaml:"editor_name"`
	EditorVersion string `yaml:"editor_version"`

	RequestTimeout  time.Duration `yaml:"-"`
	FeatureFlagWait time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`
	ToolTimeout     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw  string `yaml:"request_timeout"`
	FeatureFlagWaitRaw string `yaml:"feature_flag_wait"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
	ToolTimeoutRaw     string `yaml:"tool_timeout"`
}

// AuthConfig holds the cached credential used for sign-in
type AuthConfig struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
	AppID string `yaml:"app_id"`
}

// WorkspaceConfig holds the default workspace root
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// ToolsConfig controls the local tool catalog
type ToolsConfig struct {
	// Allowed limits the lead agent's tools. Empty allows all.
	Allowed []string `yaml:"allowed"`
	// Builtins registers the built-in file tools.
	Builtins *bool `yaml:"builtins"`
	// StrictRequired rejects compound calls missing a required property.
	StrictRequired bool `yaml:"strict_required"`
	// Aliases overrides the compound-tool server aliases.
	Aliases map[string]string `yaml:"aliases"`
}

// BuiltinsEnabled reports whether the built-in tools are registered. They
// are unless explicitly disabled.
func (t ToolsConfig) BuiltinsEnabled() bool {
	return t.Builtins == nil || *t.Builtins
}

// ConversationConfig holds chat defaults
type ConversationConfig struct {
	Model        string `yaml:"model"`
	Mode         string `yaml:"mode"`
	SummaryLimit int    `yaml:"summary_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ToolServerConfig is one tool server entry, keyed by name
type ToolServerConfig struct {
	Type     string            `yaml:"type" toml:"type"`
	Command  string            `yaml:"command" toml:"command"`
	Args     []string          `yaml:"args" toml:"args"`
	Env      map[string]string `yaml:"env" toml:"env"`
	Cwd      string            `yaml:"cwd" toml:"cwd"`
	URL      string            `yaml:"url" toml:"url"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
	Disabled bool              `yaml:"disabled" toml:"disabled"`

	IgnorePostStatus bool `yaml:"ignore_post_status" toml:"ignore_post_status"`
}

// toolServersFile is the layout of tool_servers_file.
type toolServersFile struct {
	Servers map[string]ToolServerConfig `yaml:"servers" toml:"servers"`
}

// DefaultPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Relative tool_servers_file and env_file paths resolve against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	cfg.ToolServersFile = resolve(dir, cfg.ToolServersFile)
	cfg.EnvFile = resolve(dir, cfg.EnvFile)

	if cfg.ToolServersFile != "" {
		extra, err := LoadToolServers(cfg.ToolServersFile)
		if err != nil {
			return nil, err
		}
		if cfg.ToolServers == nil {
			cfg.ToolServers = make(map[string]ToolServerConfig, len(extra))
		}
		for name, ts := range extra {
			cfg.ToolServers[name] = ts
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}

	return cfg, nil
}

// Parse decodes YAML config content, applying env expansion, durations,
// defaults and validation. Tool server files are not read.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadToolServers reads a tool-server file. Files ending in .toml are TOML,
// anything else is YAML.
func LoadToolServers(path string) (map[string]ToolServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool servers file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	var file toolServersFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &file); err != nil {
			return nil, fmt.Errorf("parsing tool servers file %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parsing tool servers file %s: %w", path, err)
	}
	return file.Servers, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backend.Routing == "" {
		c.Backend.Routing = "auto"
	}
	if c.Backend.EditorName == "" {
		c.Backend.EditorName = "coven-relay"
	}
	if c.Conversation.Mode == "" {
		c.Conversation.Mode = "agent"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.Command == "" {
		return fmt.Errorf("%w: backend.command is required", ErrInvalid)
	}

	switch c.Backend.Routing {
	case "auto", "client", "server":
	default:
		return fmt.Errorf("%w: backend.routing must be auto, client or server, got %q", ErrInvalid, c.Backend.Routing)
	}

	switch c.Conversation.Mode {
	case "agent", "ask":
	default:
		return fmt.Errorf("%w: conversation.mode must be agent or ask, got %q", ErrInvalid, c.Conversation.Mode)
	}

	if c.Conversation.SummaryLimit < 0 {
		return fmt.Errorf("%w: conversation.summary_limit must not be negative", ErrInvalid)
	}

	for _, name := range c.toolServerNames() {
		ts := c.ToolServers[name]
		switch ts.Type {
		case "", string(toolserver.KindStdio), string(toolserver.KindSSE):
		default:
			return fmt.Errorf("%w: tool_servers.%s.type must be stdio or sse, got %q", ErrInvalid, name, ts.Type)
		}
		if ts.Command == "" && ts.URL == "" {
			return fmt.Errorf("%w: tool_servers.%s needs a command or a url", ErrInvalid, name)
		}
		if ts.Type == string(toolserver.KindSSE) && ts.URL == "" {
			return fmt.Errorf("%w: tool_servers.%s.url is required for sse", ErrInvalid, name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Backend.RequestTimeoutRaw, &cfg.Backend.RequestTimeout},
		{"feature_flag_wait", cfg.Backend.FeatureFlagWaitRaw, &cfg.Backend.FeatureFlagWait},
		{"shutdown_timeout", cfg.Backend.ShutdownTimeoutRaw, &cfg.Backend.ShutdownTimeout},
		{"tool_timeout", cfg.Backend.ToolTimeoutRaw, &cfg.Backend.ToolTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) toolServerNames() []string {
	names := make([]string, 0, len(c.ToolServers))
	for name := range c.ToolServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfigs returns the tool servers in name order, ready for the
// tool server manager.
func (c *Config) ServerConfigs() []toolserver.ServerConfig {
	names := c.toolServerNames()
	out := make([]toolserver.ServerConfig, 0, len(names))
	for _, name := range names {
		ts := c.ToolServers[name]
		out = append(out, toolserver.ServerConfig{
			Name:     name,
			Type:     toolserver.Kind(ts.Type),
			Command:  ts.Command,
			Args:     ts.Args,
			Env:      ts.Env,
			Cwd:      ts.Cwd,
			URL:      ts.URL,
			Headers:  ts.Headers,
			Disabled: ts.Disabled,

			IgnorePostStatus: ts.IgnorePostStatus,
		})
	}
	return out
}
