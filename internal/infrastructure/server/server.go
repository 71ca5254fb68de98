package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/Kurogoma4D/claude-code-server/internal/api/http"
	"github.com/Kurogoma4D/claude-code-server/internal/api/middleware"
	"github.com/Kurogoma4D/claude-code-server/internal/api/ws"
	"github.com/Kurogoma4D/claude-code-server/internal/domain/session"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/config"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/logging"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/monitoring"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/resilience"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/tracing"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	http      *http.Server
	manager   *session.Manager
	wsHandler *ws.Handler
	tracer    *tracing.Tracer
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing terminal server",
		zap.String("port", cfg.Server.Port),
		zap.String("base_dir", cfg.Terminal.BaseDir),
		zap.String("command", cfg.Terminal.Command),
	)

	if info, err := os.Stat(cfg.Terminal.BaseDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", cfg.Terminal.BaseDir)
	}

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("claude-code-server", logger.Logger)

	breaker := resilience.New("spawn", resilience.Settings{
		ReadyToTrip: resilience.ConsecutiveFailures(uint32(cfg.Spawn.BreakerFailures)),
		Timeout:     cfg.Spawn.BreakerTimeout.Std(),
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	spawner := session.NewExecSpawner(cfg.Terminal.Command, cfg.Terminal.Args, cfg.Terminal.TermName)
	manager, err := session.NewManager(session.Config{
		BaseDir:     cfg.Terminal.BaseDir,
		DenyPaths:   cfg.Terminal.DenyPaths,
		DefaultSize: session.Size{Cols: cfg.Terminal.DefaultCols, Rows: cfg.Terminal.DefaultRows},
		KillTimeout: cfg.Terminal.KillTimeout.Std(),
	}, spawner)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	manager.WithLogger(logger).WithMetrics(metrics).WithTracer(tracer).WithBreaker(breaker)

	wsHandler := ws.NewHandler(manager).WithLogger(logger).WithMetrics(metrics)
	if cfg.RateLimit.Enabled && cfg.RateLimit.SessionStartRate > 0 {
		wsHandler.WithStartLimiter(middleware.NewKeyedLimiter(
			cfg.RateLimit.SessionStartRate, cfg.RateLimit.SessionStartBurst, 0))
	}

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = float64(cfg.RateLimit.RequestsPerSecond)
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(manager, cfg.Server.Port)

	// Register routes
	router.GET("/health", handlers.Health)
	router.GET("/api/config", handlers.Config)
	router.GET("/api/sessions", handlers.ListSessions)
	router.GET("/api/directories", handlers.ListDirectories)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket
	router.GET("/ws", wsHandler.HandleConnection)

	if cfg.Server.StaticDir != "" {
		logger.Info("Serving static files", zap.String("dir", cfg.Server.StaticDir))
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.Server.StaticDir))))
	}

	logger.Info("Server initialized successfully")

	return &Server{
		router: router,
		http: &http.Server{
			Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
		manager:   manager,
		wsHandler: wsHandler,
		tracer:    tracer,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// Logger returns the server logger.
func (s *Server) Logger() *logging.Logger {
	return s.logger
}

// Run starts the HTTP server and blocks until it stops. It returns nil
// after Shutdown.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.http.Addr),
		zap.String("base_dir", s.manager.Sandbox().Base()),
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown terminates every session, then closes client connections and
// the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.manager.KillAll(ctx); err != nil {
		s.logger.Error("Sessions did not exit in time", zap.Error(err))
		errs = append(errs, fmt.Errorf("failed to terminate sessions: %w", err))
	}

	s.wsHandler.Close()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
	}

	s.tracer.Close()
	_ = s.logger.Sync()

	return errors.Join(errs...)
}
