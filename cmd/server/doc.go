// Package main is the entry point for the Claude Code terminal server.
//
// The server lets browser clients drive interactive Claude sessions over a
// WebSocket. Every session runs on its own pseudo-terminal, confined to a
// directory under the base directory.
//
// Configuration:
//   - Defaults, then a YAML or TOML file (-config or CONFIG_FILE)
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Serve the current directory on port 3000
//	./server
//
//	# Serve ~/projects on port 8080 with development logging
//	PORT=8080 ./server -dev ~/projects
//
// Signals:
//   - SIGINT, SIGTERM: terminate every session, then shut down
package main
