// Package monitoring provides Prometheus metrics for the terminal server.
//
// Metrics:
//   - terminal_sessions_active, terminal_sessions_started_total{kind},
//     terminal_sessions_exited_total{reason}
//   - terminal_spawn_failures_total, terminal_sandbox_violations_total,
//     terminal_spawn_duration_seconds
//   - terminal_output_bytes_total{stream}, terminal_input_bytes_total
//   - terminal_ws_connections, terminal_ws_messages_total{direction,type}
//   - terminal_http_requests_total, terminal_http_request_duration_seconds
//   - terminal_uptime_seconds plus Go runtime and process collectors
//
// Example Usage:
//
//	metrics := monitoring.NewMetrics()
//	router.Use(monitoring.Middleware(metrics))
//	router.GET("/metrics", gin.WrapH(metrics.Handler()))
package monitoring
