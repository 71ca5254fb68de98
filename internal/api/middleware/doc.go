// Package middleware provides HTTP middleware for the terminal server.
//
// Middleware stack includes:
//   - CORS: Cross-origin resource sharing, WebSocket upgrades included
//   - RateLimit: Per-IP token bucket rate limiting
//
// KeyedLimiter is also used by the WebSocket bridge to throttle session
// starts per connection.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
