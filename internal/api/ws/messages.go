package ws

import (
	"encoding/json"
)

// Client → Server events.
const (
	EventStartSession   = "start-session"
	EventExecuteCommand = "execute-command"
	EventTerminalInput  = "terminal-input"
	EventTerminalResize = "terminal-resize"
	EventKillSession    = "kill-session"
	EventKillProcess    = "kill-process"
	EventPing           = "ping"
)

// Server → Client events.
const (
	EventConnected      = "connected"
	EventTerminalOutput = "terminal-output"
	EventProcessKilled  = "process-killed"
	EventPong           = "pong"
)

// Envelope is a single WebSocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// StartSessionRequest is the payload of start-session.
type StartSessionRequest struct {
	RelativePath string `json:"relativePath,omitempty"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

// ExecuteCommandRequest is the payload of execute-command.
type ExecuteCommandRequest struct {
	Command      string `json:"command"`
	RelativePath string `json:"relativePath,omitempty"`
}

// TerminalInput is the payload of terminal-input.
type TerminalInput struct {
	Data string `json:"data"`
}

// TerminalResize is the payload of terminal-resize.
type TerminalResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Connected is the payload of connected.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// Output is the payload of terminal-output. Data is a string for data,
// stdout, stderr, system and error outputs and an exit status for exit.
// Timestamp is in milliseconds since the Unix epoch.
type Output struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Output types produced by the bridge itself.
const (
	OutputError  = "error"
	OutputSystem = "system"
)
