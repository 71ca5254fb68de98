// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON lines on stdout for machine parsing
//   - Development: colored console output, debug level, stack traces
//
// Session code logs with a fixed set of field names so one connection can be
// followed through the log: connection_id, session_id, pid, dir.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("session started", logging.ConnectionID(connID), zap.Int("pid", pid))
package logging
