// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from the --config flag
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml, else ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string:
//
//	auth:
//	  token: "${COVEN_RELAY_TOKEN}"
//
// # Example
//
//	backend:
//	  command: "copilot-language-server"
//	  args: ["--stdio"]
//	  routing: "auto"               # auto, client, server
//	  proxy: "http://proxy:3128"
//	  request_timeout: "30s"
//	  feature_flag_wait: "1.5s"
//	  shutdown_timeout: "2s"
//
//	workspace:
//	  root: "/home/me/src/project"
//
//	tools:
//	  allowed: []                   # empty allows every tool
//	  builtins: true
//	  strict_required: false
//
//	conversation:
//	  model: "gpt-4.1"
//	  mode: "agent"                 # agent, ask
//
//	tool_servers:
//	  github:
//	    command: "github-mcp-server"
//	    args: ["stdio"]
//	    env:
//	      GITHUB_TOKEN: "${GITHUB_TOKEN}"
//	  docs:
//	    type: "sse"
//	    url: "http://localhost:8811/sse"
//
//	tool_servers_file: "servers.toml"
//	env_file: ".env"
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
//
// # Tool Server File
//
// tool_servers_file holds a servers table in YAML or TOML, chosen by the
// file extension. Its entries replace tool_servers entries of the same name:
//
//	[servers.github]
//	command = "github-mcp-server"
//	args = ["stdio"]
package config
