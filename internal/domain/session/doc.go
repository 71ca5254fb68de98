// Package session owns the lifecycle of per-connection terminal sessions.
//
// Each client connection drives at most one Session: an interactive program
// running on a pseudo-terminal, or a one-shot command with piped output.
// The Manager creates, writes to, resizes and tears down sessions, and the
// Registry maps connection ids to the live instance.
//
// Lifecycle:
//
//	Absent -> Starting -> Running -> Exiting -> Terminated
//	                         \_______________________/
//
// A session leaves the Registry only once its process exit has been
// observed. Starting a session for a connection that already has one
// terminates the old session first, under the same per-connection lock.
//
// Output flows to a Sink as ordered Events. Every event of a session carries
// a strictly increasing sequence number, and the exit event is always the
// last one delivered.
//
// Example Usage:
//
//	spawner := session.NewExecSpawner("claude", nil, "xterm-color")
//	mgr, err := session.NewManager(session.Config{BaseDir: "/srv/work"}, spawner)
//	info, err := mgr.Start(ctx, connID, session.StartOptions{RelativePath: "proj"}, sink)
//	err = mgr.Write(connID, []byte("hello\r"))
//	err = mgr.Kill(connID)
//
// Process signalling uses process groups and is Unix only.
package session
