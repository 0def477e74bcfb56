package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"deskrelay/internal/api"
	"deskrelay/internal/backbone"
	"deskrelay/internal/config"
	"deskrelay/internal/database"
	"deskrelay/internal/endpoint"
	"deskrelay/internal/hub"
	"deskrelay/internal/metrics"
	"deskrelay/internal/router"
	"deskrelay/internal/session"
	"deskrelay/internal/websocket"
	pkgdatabase "deskrelay/pkg/database"
	"deskrelay/pkg/interfaces"
)

// limiterIdle is how long an idle connection's frame bucket is kept
const limiterIdle = 5 * time.Minute

// Application coordinates all system components
// Component initialization follows strict dependency order:
// Database → Credentials → Registry → Backbone → Hub → Router → Endpoints → API → HTTP
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	dbManager      *database.Manager
	sessionManager *session.Manager
	connections    *websocket.Registry
	backbone       interfaces.Backbone
	gateway        *hub.Hub
	frameRouter    *router.Router
	endpoints      *endpoint.Handler
	apiServer      *api.Server
	httpServer     *http.Server

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewApplication creates a new application instance with all components initialized
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// STEP 1: Metrics registry with runtime collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// STEP 2: Credential store (foundation layer)
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2.5: Apply database migrations to ensure schema is up to date
	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema check failed: %w", err)
	}
	logger.Info("Database migrations applied", zap.String("path", cfg.Database.Path))

	// STEP 3: Default credential collaborator for both endpoints
	sessionManager := session.NewManager(dbManager, cfg.Database.CacheTTL, logger)

	// STEP 4: Connection registry and optional backbone
	connections := websocket.NewRegistry()
	var bb interfaces.Backbone
	if cfg.Backbone.Enabled {
		bb = backbone.NewRedis(backbone.Options{
			Addr:        cfg.Backbone.Addr,
			Password:    cfg.Backbone.Password,
			DB:          cfg.Backbone.DB,
			DialTimeout: cfg.Backbone.DialTimeout,
		})
	}

	// STEP 5: Gateway manager
	gateway := hub.NewHub(connections, bb, hub.Config{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		PublishTimeout:    cfg.Backbone.PublishTimeout,
		Channels:          backbone.NewChannels(cfg.Backbone.ChannelPrefix),
	}, m, logger)

	// STEP 6: Inbound frame router
	limiter := router.NewRateLimiter(cfg.Limits.FrameRate, cfg.Limits.FrameBurst)
	frameRouter := router.NewRouter(gateway, sessionManager, limiter, m, logger)

	// STEP 7: WebSocket endpoints
	endpoints := endpoint.NewHandler(gateway, frameRouter, sessionManager, sessionManager, endpoint.Config{
		ReadTimeout: cfg.WebSocket.ReadTimeout,
		Connection: websocket.Options{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, m, logger)

	// STEP 8: Producer API, then the socket endpoints on the same router
	apiServer := api.NewServer(api.Dependencies{
		Publisher:   gateway,
		Credentials: sessionManager,
		Gateway:     gateway,
		Database:    dbManager,
		Gatherer:    registry,
	}, api.Access{ProducerKey: cfg.API.ProducerKey, Insecure: cfg.API.Insecure}, logger)

	mux := apiServer.Router()
	mux.HandleFunc("/ws/agent", endpoints.HandleAgent).Methods(http.MethodGet)
	mux.HandleFunc("/ws/visitor", endpoints.HandleVisitor).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:         cfg,
		logger:         logger.With(zap.String("component", "app")),
		registry:       registry,
		dbManager:      dbManager,
		sessionManager: sessionManager,
		connections:    connections,
		backbone:       bb,
		gateway:        gateway,
		frameRouter:    frameRouter,
		endpoints:      endpoints,
		apiServer:      apiServer,
		httpServer:     httpServer,
	}, nil
}

// Start connects the hub and begins serving. An unreachable backbone is not
// an error; the gateway runs degraded and keeps retrying in the background.
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: Start the hub (backbone listener)
	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	// STEP 2: Bind the listener so Addr reports the real port
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.gateway.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	// STEP 3: Background maintenance
	loopCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	if app.backbone != nil && app.config.Backbone.RetryInterval > 0 {
		app.wg.Add(1)
		go app.superviseBackbone(loopCtx, app.config.Backbone.RetryInterval)
	}
	app.wg.Add(1)
	go app.cleanupLimiter(loopCtx)

	// STEP 4: Serve HTTP and WebSocket traffic
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("Deskrelay started",
		zap.String("addr", listener.Addr().String()),
		zap.String("gateway_id", app.gateway.ID()),
		zap.Bool("degraded", app.gateway.IsDegraded()))
	return nil
}

// Stop gracefully shuts down the application.
// Reverse dependency order: HTTP → client sockets → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	var stopErr error
	app.stopOnce.Do(func() {
		app.logger.Info("Shutting down")

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Warn("HTTP server shutdown error", zap.Error(err))
			stopErr = err
		}

		// STEP 2: Hijacked sockets are not covered by Shutdown
		app.gateway.DisconnectAll()

		// STEP 3: Stop the backbone listener and heartbeat supervisors
		if err := app.gateway.Stop(); err != nil {
			app.logger.Warn("Hub shutdown error", zap.Error(err))
		}

		if app.cancel != nil {
			app.cancel()
		}
		app.wg.Wait()

		// STEP 4: Close database connections
		if err := app.dbManager.Close(); err != nil {
			app.logger.Warn("Database shutdown error", zap.Error(err))
		}

		app.logger.Info("Shutdown complete")
	})
	return stopErr
}

// superviseBackbone retries the backbone while the hub is degraded
func (app *Application) superviseBackbone(ctx context.Context, interval time.Duration) {
	defer app.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !app.gateway.IsDegraded() {
				continue
			}
			if err := app.gateway.Reconnect(ctx); err != nil {
				app.logger.Debug("Backbone still unavailable", zap.Error(err))
			}
		}
	}
}

func (app *Application) cleanupLimiter(ctx context.Context) {
	defer app.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.frameRouter.RateLimiter().Cleanup(limiterIdle)
		}
	}
}

// Addr returns the bound address once started, the configured one before
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Publisher is the in-process producer surface
func (app *Application) Publisher() interfaces.Publisher {
	return app.gateway
}

// Sessions is the default credential collaborator
func (app *Application) Sessions() *session.Manager {
	return app.sessionManager
}

// Hub exposes the gateway manager for diagnostics
func (app *Application) Hub() *hub.Hub {
	return app.gateway
}
