// Package config loads server configuration.
//
// Precedence, lowest first: built-in defaults, an optional YAML or TOML file
// (CONFIG_FILE), environment variables, and finally command-line flags
// applied by cmd/server.
//
// Environment variables:
//
//	PORT, HOST, STATIC_DIR
//	BASE_DIR, COMMAND, COMMAND_ARGS, TERM_NAME, DEFAULT_COLS, DEFAULT_ROWS,
//	KILL_TIMEOUT, DENY_PATHS
//	SPAWN_BREAKER_FAILURES, SPAWN_BREAKER_TIMEOUT
//	LOG_LEVEL, LOG_DEV
//	RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED,
//	SESSION_START_RPS, SESSION_START_BURST
package config
