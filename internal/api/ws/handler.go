package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/api/middleware"
	"github.com/Kurogoma4D/claude-code-server/internal/domain/session"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/logging"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/monitoring"
	"github.com/Kurogoma4D/claude-code-server/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// frameAPI validates strings so raw terminal bytes always produce valid JSON.
var frameAPI = sonic.ConfigStd

// Client-facing error messages.
const (
	msgSandboxViolation = "Error: Cannot navigate outside base directory"
	msgSpawnFailure     = "Failed to start Claude session"
	msgNoActiveSession  = "No active session. Please start a session first."
	msgInputClosed      = "This session does not accept input"
	msgShuttingDown     = "Server is shutting down"
	msgRateLimited      = "Too many session requests, please wait"
	msgCommandRequired  = "Command is required"
	msgInvalidMessage   = "Invalid message"
)

// Handler manages WebSocket connections
type Handler struct {
	manager  *session.Manager
	limiter  *middleware.KeyedLimiter
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *session.Manager) *Handler {
	return &Handler{
		manager: manager,
		logger:  logging.NewNop(),
		conns:   make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// WithLogger sets the logger
func (h *Handler) WithLogger(logger *logging.Logger) *Handler {
	h.logger = logger.Named("ws")
	return h
}

// WithMetrics adds metrics tracking to the handler
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// WithStartLimiter throttles start-session and execute-command per
// connection.
func (h *Handler) WithStartLimiter(limiter *middleware.KeyedLimiter) *Handler {
	h.limiter = limiter
	return h
}

// Close closes every open connection and waits for them to be torn down.
func (h *Handler) Close() {
	h.mu.Lock()
	for c := range h.conns {
		c.close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// HandleConnection upgrades the request and serves the connection until
// it closes. The connection's session is terminated on return.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	// The connection outlives the upgrade request but keeps its trace.
	conn := newConn(context.WithoutCancel(c.Request.Context()), id.NewConnectionID().String(), ws, h)
	conn.logger.Info("Client connected", zap.String("remote_addr", c.ClientIP()))

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	go conn.writePump()
	_ = conn.write(EventConnected, Connected{ConnectionID: conn.id})

	conn.readPump()

	fields := []zap.Field{}
	if connectedAt, err := id.Timestamp(conn.id); err == nil {
		fields = append(fields, zap.Duration("duration", time.Since(connectedAt)))
	}
	conn.logger.Info("Client disconnected", fields...)
	h.manager.Disconnect(conn.id)
	if h.limiter != nil {
		h.limiter.Forget(conn.id)
	}
	conn.close()
}

func (h *Handler) dispatch(c *conn, data []byte) {
	var env Envelope
	if err := frameAPI.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.errorMessage(msgInvalidMessage)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordWSMessage("in", env.Event)
	}

	switch env.Event {
	case EventStartSession:
		h.startSession(c, env)
	case EventExecuteCommand:
		h.executeCommand(c, env)
	case EventTerminalInput:
		h.terminalInput(c, env)
	case EventTerminalResize:
		h.terminalResize(c, env)
	case EventKillSession:
		h.killSession(c)
	case EventKillProcess:
		h.killSession(c)
		_ = c.write(EventProcessKilled, struct{}{})
	case EventPing:
		_ = c.write(EventPong, struct{}{})
	default:
		c.errorMessage("Unknown event: " + env.Event)
	}
}

func (h *Handler) startSession(c *conn, env Envelope) {
	var req StartSessionRequest
	if !decodePayload(c, env, &req) || !h.allowStart(c) {
		return
	}

	_, err := h.manager.Start(c.ctx, c.id, session.StartOptions{
		Kind:         session.KindInteractive,
		RelativePath: req.RelativePath,
		Cols:         req.Cols,
		Rows:         req.Rows,
	}, c)
	h.report(c, err)
}

func (h *Handler) executeCommand(c *conn, env Envelope) {
	var req ExecuteCommandRequest
	if !decodePayload(c, env, &req) {
		return
	}
	if req.Command == "" {
		c.errorMessage(msgCommandRequired)
		return
	}
	if !h.allowStart(c) {
		return
	}

	c.logger.Info("Executing command", zap.String("relative_path", req.RelativePath))
	_, err := h.manager.Start(c.ctx, c.id, session.StartOptions{
		Kind:         session.KindCommand,
		RelativePath: req.RelativePath,
		Prompt:       req.Command,
	}, c)
	h.report(c, err)
}

func (h *Handler) terminalInput(c *conn, env Envelope) {
	var req TerminalInput
	if !decodePayload(c, env, &req) {
		return
	}
	h.report(c, h.manager.Write(c.id, []byte(req.Data)))
}

func (h *Handler) terminalResize(c *conn, env Envelope) {
	var req TerminalResize
	if !decodePayload(c, env, &req) {
		return
	}
	// Clients resize before a session exists; that is not an error.
	if err := h.manager.Resize(c.id, req.Cols, req.Rows); err != nil {
		c.logger.Debug("Resize ignored", zap.Error(err))
	}
}

func (h *Handler) killSession(c *conn) {
	if err := h.manager.Kill(c.id); err != nil {
		c.logger.Debug("Kill ignored", zap.Error(err))
	}
}

func (h *Handler) allowStart(c *conn) bool {
	if h.limiter == nil || h.limiter.Allow(c.id) {
		return true
	}
	c.errorMessage(msgRateLimited)
	return false
}

// report turns a manager error into an error output.
func (h *Handler) report(c *conn, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, session.ErrProcessRuntime):
		// Already reported by the session.
	case errors.Is(err, session.ErrSandboxViolation):
		c.errorMessage(msgSandboxViolation)
	case errors.Is(err, session.ErrSpawnFailure):
		c.errorMessage(msgSpawnFailure)
	case errors.Is(err, session.ErrNoActiveSession):
		c.errorMessage(msgNoActiveSession)
	case errors.Is(err, session.ErrInputClosed):
		c.errorMessage(msgInputClosed)
	case errors.Is(err, session.ErrShuttingDown):
		c.errorMessage(msgShuttingDown)
	default:
		c.errorMessage(err.Error())
	}
}

// decodePayload decodes env.Data into v. A missing payload leaves v zero.
func decodePayload(c *conn, env Envelope, v any) bool {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return true
	}
	if err := frameAPI.Unmarshal(env.Data, v); err != nil {
		c.logger.Debug("Invalid payload", zap.String("event", env.Event), zap.Error(err))
		c.errorMessage(msgInvalidMessage)
		return false
	}
	return true
}
