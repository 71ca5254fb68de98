// Package http provides the REST endpoints of the terminal server.
//
// Endpoints:
//   - GET /health: liveness and session count
//   - GET /api/config: base directory and port
//   - GET /api/sessions: snapshots of live sessions
//   - GET /api/directories?depth=N: directories under the base directory
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, cfg.Server.Port)
//	router.GET("/health", handlers.Health)
package http
