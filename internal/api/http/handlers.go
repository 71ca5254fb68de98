package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/domain/session"
	"github.com/gin-gonic/gin"
)

const (
	defaultDirectoryDepth = 2
	maxDirectoryDepth     = 5
	directoryTimeout      = 5 * time.Second
)

// Handlers contains HTTP route handlers
type Handlers struct {
	manager   *session.Manager
	port      string
	startedAt time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(manager *session.Manager, port string) *Handlers {
	return &Handlers{
		manager:   manager,
		port:      port,
		startedAt: time.Now(),
	}
}

// Health returns service health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"sessions":  h.manager.Count(),
		"uptime":    time.Since(h.startedAt).Seconds(),
	})
}

// Config returns the base directory and port clients should use
func (h *Handlers) Config(c *gin.Context) {
	var port any = h.port
	if n, err := strconv.Atoi(h.port); err == nil {
		port = n
	}

	c.JSON(http.StatusOK, gin.H{
		"baseDirectory": h.manager.Sandbox().Base(),
		"port":          port,
	})
}

// ListSessions lists live sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ListDirectories lists directories a session may be started in, relative
// to the base directory
func (h *Handlers) ListDirectories(c *gin.Context) {
	depth := defaultDirectoryDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDirectoryDepth {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "depth must be between 1 and " + strconv.Itoa(maxDirectoryDepth),
			})
			return
		}
		depth = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), directoryTimeout)
	defer cancel()

	sandbox := h.manager.Sandbox()
	dirs, err := sandbox.Directories(ctx, depth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if dirs == nil {
		dirs = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"baseDirectory": sandbox.Base(),
		"directories":   dirs,
	})
}
