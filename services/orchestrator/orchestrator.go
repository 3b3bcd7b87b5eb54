// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the core recall service for AleutianRecall.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, the tiered memory subsystem, the episodic
// archive, LLM clients, and observability infrastructure.
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions,
// enabling AleutianEnterprise to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider:  enterpriseAuth,
//	    AuditLogger:   enterpriseAudit,
//	}
//	svc, err := orchestrator.New(cfg, opts)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRecall/pkg/extensions"
	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/episodic"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/routes"
	storage "github.com/AleutianAI/AleutianRecall/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tunables"
	"github.com/AleutianAI/AleutianRecall/services/search"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the recall service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Description
	//
	// Starts the Gin HTTP server on the configured port. The method
	// blocks until SIGINT/SIGTERM arrives or the listener fails, then
	// drains in-flight requests, stops the session manager, and closes
	// the store before returning.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or shut down cleanly
	//
	// # Examples
	//
	//   if err := svc.Run(); err != nil {
	//       log.Fatalf("server error: %v", err)
	//   }
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Description
	//
	// Provides access to the configured Gin router, primarily for
	// integration testing where direct HTTP calls are needed.
	//
	// # Outputs
	//
	//   - *gin.Engine: The configured router with all routes registered
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds recall service configuration options.
//
// # Description
//
// Config centralizes all configuration for the service. Values can be
// populated from environment variables, config files, or
// programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port and LLM backend
//	cfg := Config{
//	    Port:       8080,
//	    LLMBackend: "openai",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// LLMBackend specifies the LLM provider.
	// Valid values: "openai", "ollama"
	// Default: "ollama"
	LLMBackend string

	// DataDir is the root directory for durable state: the Badger
	// database, per-user episodic archives, and session snapshots.
	// Default: "./data"
	DataDir string

	// TunablesPath points at the optional runtime tunables YAML file.
	// When set, the file is hot-reloaded on change. When empty,
	// compiled defaults apply.
	TunablesPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// InMemoryStorage runs Badger without files. For tests.
	InMemoryStorage bool

	// ShutdownGrace bounds how long Run waits for in-flight requests
	// on shutdown. Default: 10 seconds.
	ShutdownGrace time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service is the main implementation that coordinates:
//   - HTTP routing via Gin
//   - The Badger-backed message, session, and user stores
//   - The tiered memory subsystem and episodic archive
//   - LLM client management
//   - OpenTelemetry tracing
//   - Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	llmClient     llm.LLMClient
	searchClient  search.Client
	db            *storage.DB
	store         *memory.BadgerStore
	episodes      *episodic.Store
	knobs         *tunables.Provider
	manager       *conversation.SessionManager
	metrics       *observability.Metrics
	bgCancel      context.CancelFunc
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new recall Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the LLM client for the configured backend
//  5. Opens the Badger store and builds the memory subsystem
//  6. Builds the episodic archive, snapshots, and tunables provider
//  7. Starts the session manager and registers HTTP routes
//
// If opts is nil, DefaultOptions() is used (no-op implementations).
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run recall service
//   - error: Non-nil if initialization fails
//
// # Limitations
//
//   - LLM client creation may fail if provider env vars are missing
//   - Web search is optional; a missing SEARXNG_BASE_URL disables it
//
// # Assumptions
//
//   - Environment variables are set for the chosen LLM provider
//   - DataDir is writable
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if opts != nil {
		s.opts = opts.Normalized()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		s.metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	s.initSearchClient()

	if err := s.initStores(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.bgCancel = bgCancel

	if err := s.initTunables(bgCtx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to load tunables: %w", err)
	}

	if err := s.initManager(bgCtx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to start session manager: %w", err)
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting recall server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("Shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	// EnableMetrics defaults to true (zero value is false, so we need explicit check)
	// We'll handle this by always enabling unless explicitly disabled via a setter
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("recall-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initLLMClient initializes the LLM provider client.
//
// # Description
//
// Creates the appropriate LLM client based on the configured backend
// type. Both clients speak the OpenAI chat completion shape; "ollama"
// points it at a local server.
//
// # Outputs
//
//   - error: Non-nil if LLM client creation fails
//
// # Assumptions
//
//   - Required environment variables are set for the chosen provider
func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("Unknown LLM backend, defaulting to ollama", "backend", s.config.LLMBackend)
		s.llmClient, err = llm.NewOllamaClient()
	}

	return err
}

// initSearchClient initializes the optional SearxNG web search client.
// A missing SEARXNG_BASE_URL is not an error; search directives then
// resolve to "search unavailable" answers instead of results.
func (s *service) initSearchClient() {
	client, err := search.NewSearxClient()
	if err != nil {
		slog.Warn("Web search disabled", "error", err)
		return
	}
	s.searchClient = client
	slog.Info("SearxNG search client initialized")
}

// initStores opens the Badger database and builds the store facade.
func (s *service) initStores() error {
	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(s.config.DataDir, "db")
	cfg.InMemory = s.config.InMemoryStorage

	db, err := storage.OpenDB(cfg)
	if err != nil {
		return err
	}
	s.db = db
	s.store = memory.NewBadgerStore(db)
	return nil
}

// initTunables builds the tunables provider and, when a file path is
// configured, starts the hot-reload watcher.
func (s *service) initTunables(ctx context.Context) error {
	if s.config.TunablesPath == "" {
		s.knobs = tunables.Static(tunables.Defaults())
		return nil
	}

	knobs, err := tunables.NewProvider(s.config.TunablesPath, nil)
	if err != nil {
		return err
	}
	if err := knobs.Watch(ctx); err != nil {
		slog.Warn("Tunables hot reload unavailable", "error", err)
	}
	s.knobs = knobs
	return nil
}

// initManager assembles the memory subsystem and starts the session
// manager's background sweeper.
func (s *service) initManager(ctx context.Context) error {
	log := slog.Default()

	tiers := memory.NewTierManager(s.store, log)
	builder := memory.NewContextBuilder(s.store, log)

	temp := float32(0.2)
	summarizer := episodic.NewLLMSummarizer(
		llm.PromptFunc(s.llmClient, llm.GenerationParams{Temperature: &temp}), log)
	s.episodes = episodic.NewStore(s.config.DataDir, summarizer, log)

	pruner := memory.NewPruner(s.store, tiers, s.episodes, log)
	snapshots := conversation.NewSnapshotWriter(s.config.DataDir, log)

	s.manager = conversation.NewSessionManager(&conversation.Deps{
		Messages:  s.store,
		Sessions:  s.store,
		Users:     s.store,
		Tiers:     tiers,
		Builder:   builder,
		Pruner:    pruner,
		Episodes:  s.episodes,
		LLM:       s.llmClient,
		Search:    s.searchClient,
		Knobs:     s.knobs,
		Snapshots: snapshots,
		Metrics:   s.metrics,
		Log:       log,
	})
	return s.manager.Start(ctx)
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Description
//
// Creates the Gin engine, applies middleware, and registers all routes.
// ServiceOptions are passed through to enable enterprise extensions.
//
// # Assumptions
//
//   - All dependencies (stores, manager, LLM) are initialized
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("recall-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Manager:               s.manager,
		Sessions:              s.store,
		Messages:              s.store,
		Users:                 s.store,
		Metrics:               s.metrics,
		Ext:                   s.opts,
		EnableMetricsEndpoint: s.config.EnableMetrics,
	})
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops the
// session manager (flushing snapshots), cancels background watchers,
// flushes the audit trail, closes the store, and shuts down the tracer.
func (s *service) cleanup() {
	if s.manager != nil {
		s.manager.Stop()
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.opts.AuditLogger != nil {
		if err := s.opts.AuditLogger.Flush(context.Background()); err != nil {
			slog.Warn("Audit flush error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
