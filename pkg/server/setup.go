// Package server wires every balancer component (lib/agentpool,
// lib/dispatch, lib/reconcile, lib/inference, lib/control, lib/chat,
// lib/metrics, lib/health, lib/audit, lib/redis) into the three HTTP
// surfaces spec §6 names: the management service, the inference service,
// and the optional OpenAI-compat shim. Grounded in the teacher's
// pkg/server/setup.go component-assembly shape, replacing its
// CCRouter/Droid agent orchestration with the balancer's agent pool and
// buffered-request dispatch.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/llmops/fleetbalancer/api/v1"
	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/audit"
	"github.com/llmops/fleetbalancer/lib/chat"
	"github.com/llmops/fleetbalancer/lib/control"
	"github.com/llmops/fleetbalancer/lib/dispatch"
	"github.com/llmops/fleetbalancer/lib/health"
	"github.com/llmops/fleetbalancer/lib/inference"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/reconcile"
	"github.com/llmops/fleetbalancer/lib/redis"
	"github.com/llmops/fleetbalancer/lib/senders"
	"github.com/llmops/fleetbalancer/lib/statefile"
	"github.com/llmops/fleetbalancer/lib/wsconn"

	"github.com/google/uuid"
)

// Config is everything Setup needs to assemble and start the balancer:
// spec §6's three listen addresses (the OpenAI-compat one optional),
// admission limits, the desired-state persistence path, and the optional
// ambient dependencies (audit trail, Redis embedding cache).
type Config struct {
	ManagementAddr   string
	InferenceAddr    string
	OpenAICompatAddr string // empty disables the shim entirely

	MaxBufferedRequests   int32
	BufferedRequestTimeout time.Duration

	StateFilePath string

	AuditDBPath string // empty disables the audit trail
	RedisURL    string // empty disables the embedding cache

	Logger *slog.Logger
}

// DefaultConfig returns the balancer's zero-configuration defaults.
func DefaultConfig() Config {
	return Config{
		ManagementAddr:         ":8080",
		InferenceAddr:          ":8081",
		MaxBufferedRequests:    64,
		BufferedRequestTimeout: 30 * time.Second,
		StateFilePath:          "fleetbalancer-state.json",
	}
}

// Components holds every assembled dependency plus the three *http.Server
// instances, so the caller can start/stop them and run the background
// loops (spec §9: explicit dependencies, not ambient globals).
type Components struct {
	cfg Config

	Pool       *agentpool.Pool
	Registry   *senders.Registry
	Dispatcher *dispatch.Manager
	Store      *reconcile.Store
	Reconciler *reconcile.Reconciler
	Controller *inference.Controller

	AgentChannel *control.AgentChannel

	Metrics       *metrics.MetricsRegistry
	HealthChecker *health.HealthChecker
	AuditLogger   *audit.AuditLogger
	RedisClient   *redis.RedisClient

	DB *sql.DB

	ManagementServer *http.Server
	InferenceServer  *http.Server
	OpenAIServer     *http.Server // nil when Config.OpenAICompatAddr == ""
}

// Setup assembles every balancer component and the three HTTP servers, but
// does not start them — call Run for that. ctx bounds the lifetime of the
// management surface's SSE publishers.
func Setup(ctx context.Context, cfg Config) (*Components, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	sf, err := statefile.Load(cfg.StateFilePath)
	if err != nil {
		return nil, fmt.Errorf("server: loading state file: %w", err)
	}

	pool := agentpool.NewPool()
	registry := senders.NewRegistry()
	store := reconcile.NewStore(sf.BalancerDesiredState)
	metricsRegistry := metrics.NewMetricsRegistry()

	var auditLogger *audit.AuditLogger
	var auditDB *sql.DB
	if cfg.AuditDBPath != "" {
		db, err := sql.Open("sqlite3", cfg.AuditDBPath)
		if err != nil {
			metricsRegistry.RecordDBConnection(0, err)
			return nil, fmt.Errorf("server: opening audit database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			metricsRegistry.RecordDBConnection(0, err)
			return nil, fmt.Errorf("server: pinging audit database: %w", err)
		}
		metricsRegistry.RecordDBConnection(db.Stats().OpenConnections, nil)
		auditLogger, err = audit.NewAuditLogger(db, 1000)
		if err != nil {
			return nil, fmt.Errorf("server: initializing audit logger: %w", err)
		}
		auditDB = db
	} else {
		logger.Info("server: audit trail disabled (no AuditDBPath configured)")
	}

	reconciler := reconcile.New(store, pool, logger, metricsRegistry, auditLogger)

	// Controller and Manager are mutually dependent: the Manager needs the
	// Controller's Callbacks, the Controller needs a Manager to admit into.
	// Built with a nil dispatcher first, then wired after NewManager
	// returns (see lib/inference.Controller.SetDispatcher's doc comment).
	controller := inference.New(pool, nil, registry, logger, metricsRegistry)
	dispatcher := dispatch.NewManager(pool, cfg.MaxBufferedRequests, cfg.BufferedRequestTimeout, controller.Callbacks(), metricsRegistry, auditLogger)
	controller.SetDispatcher(dispatcher)

	agentChannel := control.NewAgentChannel(pool, registry, reconciler, logger, metricsRegistry)

	c := &Components{
		cfg:          cfg,
		Pool:         pool,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Store:        store,
		Reconciler:   reconciler,
		Controller:   controller,
		AgentChannel: agentChannel,
		Metrics:      metricsRegistry,
		DB:           auditDB,
		AuditLogger:  auditLogger,
	}

	if cfg.RedisURL != "" {
		redisCfg := redis.DefaultConfig()
		redisCfg.URL = cfg.RedisURL
		client, err := redis.NewRedisClient(redisCfg)
		if err != nil {
			logger.Warn("server: redis connection failed, embedding cache disabled", "error", err)
		} else {
			c.RedisClient = client
		}
	}
	controller.SetEmbeddingCache(redis.NewEmbeddingCache(c.RedisClient, 10*time.Minute, metricsRegistry))

	c.HealthChecker = health.NewHealthChecker(c.DB, pool, dispatcher)
	if c.RedisClient != nil {
		c.HealthChecker.RegisterCheck("redis", redis.NewHealthCheck(c.RedisClient))
	}

	c.ManagementServer = &http.Server{
		Addr:         cfg.ManagementAddr,
		Handler:      c.managementRouter(ctx),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	c.InferenceServer = &http.Server{
		Addr:         cfg.InferenceAddr,
		Handler:      c.inferenceRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses and long-lived WebSocket upgrades
		IdleTimeout:  120 * time.Second,
	}
	if cfg.OpenAICompatAddr != "" {
		c.OpenAIServer = &http.Server{
			Addr:         cfg.OpenAICompatAddr,
			Handler:      c.openAIRouter(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		}
	}

	return c, nil
}

func (c *Components) managementRouter(ctx context.Context) http.Handler {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	router.Use(c.Metrics.HTTPMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(metrics.WithMetrics(r.Context(), c.Metrics)))
		})
	})

	v1.RegisterManagementAPI(ctx, router, v1.ManagementDeps{
		Pool:        c.Pool,
		Dispatcher:  c.Dispatcher,
		Store:       c.Store,
		Reconciler:  c.Reconciler,
		AuditLogger: c.AuditLogger,
		Logger:      c.cfg.Logger,
	})

	healthHandler := health.NewHandler(c.HealthChecker)
	router.Get("/healthz", healthHandler.Health)
	router.Get("/ready", healthHandler.Ready)
	router.Get("/live", healthHandler.Live)

	router.Handle("/metrics", c.Metrics.HTTPHandler())
	router.Handle("/metrics/json", c.Metrics.JSONHandler())

	return router
}

func (c *Components) inferenceRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(c.Metrics.HTTPMiddleware)

	router.Get("/api/v1/inference_socket", c.handleInferenceSocket)
	router.Post("/api/v1/generate_embedding_batch", c.Controller.HandleGenerateEmbeddingBatch)
	router.Get("/api/v1/agent_socket", c.handleAgentSocket)

	return router
}

func (c *Components) openAIRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	v1.RegisterOpenAICompatAPI(router, chat.NewHandler(c.Controller, c.Pool))
	return router
}

// handleInferenceSocket upgrades a client connection to the
// /api/v1/inference_socket multiplex (spec §4.4).
func (c *Components) handleInferenceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.cfg.Logger.Warn("inference socket upgrade failed", "error", err)
		return
	}
	session := wsconn.NewSession(conn, c.cfg.Logger)
	if err := c.Controller.ServeClientSession(r.Context(), session); err != nil {
		c.cfg.Logger.Debug("inference socket session ended", "error", err)
	}
}

// handleAgentSocket upgrades a connecting agent to the
// /api/v1/agent_socket control channel (spec §4.6). The agent id is taken
// from the agent_id query parameter the agent supplies at connect time
// (headers are not consulted), falling back to a generated id if absent — the wire protocol
// itself carries no handshake identity frame.
func (c *Components) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = uuid.NewString()
	}

	conn, err := wsconn.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.cfg.Logger.Warn("agent socket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	session := wsconn.NewSession(conn, c.cfg.Logger)

	if c.AuditLogger != nil {
		if err := audit.LogAgentRegistered(r.Context(), c.AuditLogger, agentID, 0); err != nil {
			c.cfg.Logger.Warn("failed to audit-log agent registration", "agent_id", agentID, "error", err)
		}
	}
	c.Metrics.RecordAgentConnection(agentID, true)

	err = c.AgentChannel.Serve(r.Context(), agentID, session)

	c.Metrics.RecordAgentDisconnection(agentID)
	if c.AuditLogger != nil {
		if logErr := audit.LogAgentRemoved(r.Context(), c.AuditLogger, agentID); logErr != nil {
			c.cfg.Logger.Warn("failed to audit-log agent removal", "agent_id", agentID, "error", logErr)
		}
	}
	if err != nil {
		c.cfg.Logger.Debug("agent socket session ended", "agent_id", agentID, "error", err)
	}
}

// Run starts the background loops (timeout sweeper, slot-freed dispatcher,
// system metrics sampler) and every configured HTTP server, blocking until
// ctx is cancelled or one of the servers fails. It always attempts a
// graceful Shutdown before returning.
func (c *Components) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.Dispatcher.RunTimeoutSweeper(runCtx)
	go c.Dispatcher.RunSlotFreedDispatcher(runCtx)
	go c.runSystemMetricsSampler(runCtx)

	errCh := make(chan error, 3)
	start := func(name string, srv *http.Server) {
		if srv == nil {
			return
		}
		go func() {
			c.cfg.Logger.Info("server listening", "surface", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s server: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}
	start("management", c.ManagementServer)
	start("inference", c.InferenceServer)
	start("openai-compat", c.OpenAIServer)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			_ = c.Shutdown(context.Background())
			return err
		}
	}

	return c.Shutdown(context.Background())
}

// runSystemMetricsSampler periodically pushes goroutine count and memory
// stats to the Prometheus registry until ctx is cancelled.
func (c *Components) runSystemMetricsSampler(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sample := func() {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		c.Metrics.UpdateSystemMetrics(runtime.NumGoroutine(), m.Alloc, m.HeapAlloc)
	}

	sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// Shutdown gracefully stops every running HTTP server and closes owned
// resources (audit database, Redis client).
func (c *Components) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	for name, srv := range map[string]*http.Server{
		"management":    c.ManagementServer,
		"inference":     c.InferenceServer,
		"openai-compat": c.OpenAIServer,
	} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.cfg.Logger.Error("graceful shutdown failed", "surface", name, "error", err)
		}
	}

	if c.AuditLogger != nil {
		if err := c.AuditLogger.Close(); err != nil {
			c.cfg.Logger.Error("failed to close audit logger", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.cfg.Logger.Error("failed to close redis client", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.cfg.Logger.Error("failed to close audit database", "error", err)
		}
	}

	return nil
}
