// Package ws bridges browser WebSocket connections to terminal sessions.
//
// Every accepted connection gets a connection id and owns at most one
// session in the session manager. Client events drive the session and
// session events are forwarded back as terminal-output frames.
//
// Frames are JSON envelopes:
//
//	{"event": "<name>", "data": {...}}
//
// Message Types (Client → Server):
//   - start-session: {relativePath?, cols?, rows?} start an interactive session
//   - execute-command: {command, relativePath?} run a one-shot command
//   - terminal-input: {data} write keystrokes
//   - terminal-resize: {cols, rows} resize the terminal
//   - kill-session: terminate the session
//   - kill-process: terminate the session, acknowledged with process-killed
//   - ping: keep-alive
//
// Message Types (Server → Client):
//   - connected: {connectionId}
//   - terminal-output: {type, data, timestamp}
//   - process-killed, pong
//
// Closing the connection terminates its session.
//
// Example Usage:
//
//	handler := ws.NewHandler(manager).WithLogger(logger).WithMetrics(metrics)
//	router.GET("/ws", handler.HandleConnection)
package ws
