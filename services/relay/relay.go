// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the Discovery relay HTTP service.
//
// # Description
//
// The service fronts Discovery Engine and Agentspace with a small REST API
// and two SSE conversation endpoints. It owns the upstream client, the
// token provider, the optional Cloud Storage opener, the Prometheus
// registry and the tracer provider, and releases them on shutdown.
//
// # Architecture
//
//	  HTTP client
//	      │
//	      ▼
//	┌───────────┐   ┌──────────────┐   ┌───────────────────┐
//	│ rs/cors   │──▶│ gin + otelgin│──▶│ /v1 auth + limits │
//	└───────────┘   └──────────────┘   └─────────┬─────────┘
//	                                             ▼
//	                                  handlers ─▶ discovery.Client ─▶ Google
//	                                     │
//	                                     └─▶ stream.Relay ─▶ SSE sink
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/config"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/handlers"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/middleware"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/observability"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/routes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// limiterSweepInterval is how often idle rate limit buckets are dropped.
const limiterSweepInterval = time.Minute

// =============================================================================
// Service Interface
// =============================================================================

// Service is a runnable relay server.
//
// # Description
//
// Run blocks until ctx is cancelled or the listener fails, then drains
// in-flight requests for up to Server.ShutdownTimeout and releases every
// owned resource.
//
// # Thread Safety
//
// Run must be called once. Router may be called at any time.
type Service interface {
	// Run serves HTTP until ctx is done.
	Run(ctx context.Context) error

	// Router returns the gin engine for in-process testing.
	Router() *gin.Engine

	// Handler returns the complete HTTP handler, CORS included.
	Handler() http.Handler
}

// Options injects dependencies that are otherwise built from Config.
//
// Every field is optional.
type Options struct {
	// Tokens replaces Google credentials discovery.
	Tokens discovery.TokenProvider

	// Registerer receives the relay metrics. Defaults to a fresh registry
	// that also carries the Go and process collectors.
	Registerer prometheus.Registerer

	// Gatherer serves /metrics. Must match Registerer when both are set.
	Gatherer prometheus.Gatherer

	// Opener replaces the Cloud Storage opener.
	Opener discovery.ObjectOpener

	// Logger is the service logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config  config.Config
	logger  *slog.Logger
	router  *gin.Engine
	handler http.Handler
	limiter *middleware.RateLimiter

	closers   []func(context.Context) error
	closeOnce sync.Once
}

// New builds the service from a validated configuration.
//
// # Description
//
// Initialization order:
//  1. Tracing, when Telemetry.OTelEndpoint is set.
//  2. Metrics registry.
//  3. Token provider. Missing credentials do not fail startup; upstream
//     calls then fail with 503 until the process is restarted with
//     credentials.
//  4. Discovery client and the optional Cloud Storage opener.
//  5. Router, routes and CORS.
//
// # Inputs
//
//   - cfg: Configuration with defaults applied.
//   - opts: Dependency overrides, mainly for tests.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if cfg is invalid or a required component failed.
func New(cfg config.Config, opts Options) (Service, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{config: cfg, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if cfg.Telemetry.OTelEndpoint != "" {
		shutdown, err := initTracer(context.Background(), cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to set up the OTLP tracer: %w", err)
		}
		s.closers = append(s.closers, shutdown)
	}

	var (
		metrics        *observability.RelayMetrics
		metricsHandler http.Handler
	)
	if !cfg.Telemetry.DisableMetrics {
		reg, gatherer := opts.Registerer, opts.Gatherer
		if reg == nil {
			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			reg, gatherer = registry, registry
		}
		metrics = observability.NewRelayMetrics(reg)
		if gatherer != nil {
			metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
	}

	tokens := opts.Tokens
	if tokens == nil {
		var err error
		tokens, err = discovery.NewGoogleTokenProvider(context.Background(), cfg.Discovery.CredentialsFile)
		if err != nil {
			s.logger.Warn("Google credentials unavailable; upstream calls will fail", "error", err)
			tokens = unavailableTokens{err: err}
		}
	}

	clientOpts := []discovery.ClientOption{
		discovery.WithClientLogger(s.logger),
		discovery.WithRequestTimeout(cfg.Discovery.RequestTimeout),
	}
	if cfg.Discovery.BaseURL != "" {
		clientOpts = append(clientOpts, discovery.WithBaseURL(cfg.Discovery.BaseURL))
	}
	if metrics != nil {
		clientOpts = append(clientOpts, discovery.WithRequestHook(metrics.UpstreamRequest))
	}
	client := discovery.NewClient(tokens, clientOpts...)

	opener := opts.Opener
	if opener == nil && cfg.Storage.ImportEnabled {
		gcs, err := discovery.NewGCSOpener(context.Background(), cfg.Discovery.CredentialsFile)
		if err != nil {
			s.cleanup()
			return nil, err
		}
		opener = gcs
		s.closers = append(s.closers, func(context.Context) error { return gcs.Close() })
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	deps := &handlers.Deps{
		Client:   client,
		Defaults: cfg.Discovery.Target,
		Opener:   opener,
		Metrics:  metrics,
		Logger:   s.logger,
		Settings: handlers.Settings{
			PageSize:          cfg.Search.PageSize,
			LanguageCode:      cfg.Search.LanguageCode,
			SpellCorrection:   cfg.Search.SpellCorrection,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			AssistTimeout:     cfg.Stream.AssistTimeout,
			MaxUploadBytes:    cfg.Storage.MaxUploadBytes,
			GoogleIdentity:    cfg.Discovery.GoogleIdentity,
		},
	}
	s.initRouter(deps, metricsHandler)
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting relay server", "port", s.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down relay server")
		return srv.Shutdown(shutdownCtx)
	})
	if s.limiter != nil {
		g.Go(func() error {
			s.sweepLimiter(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Handler returns the router wrapped with CORS.
func (s *service) Handler() http.Handler {
	return s.handler
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initRouter builds the gin engine and wraps it in the CORS policy.
//
// CORS sits outside gin so preflight requests are answered before
// authentication.
func (s *service) initRouter(deps *handlers.Deps, metricsHandler http.Handler) {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))
	s.router.Use(requestLogger(s.logger))

	routes.SetupRoutes(s.router, deps, routes.Options{
		APIKeys: s.config.Server.APIKeys,
		Limiter: s.limiter,
		Metrics: metricsHandler,
	})

	policy := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Type", "X-Request-ID"},
	})
	s.handler = policy.Handler(s.router)
}

// initTracer wires an OTLP gRPC exporter as the global tracer provider.
//
// # Outputs
//
//   - func(context.Context) error: Flushes and stops the exporter.
//   - error: Non-nil if the exporter cannot be created.
func initTracer(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	conn, err := grpc.NewClient(cfg.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := traceProvider.Shutdown(ctx)
		return errors.Join(err, conn.Close())
	}, nil
}

// sweepLimiter drops idle rate limit buckets until ctx is done.
func (s *service) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(10 * limiterSweepInterval); n > 0 {
				s.logger.Debug("dropped idle rate limit buckets", "count", n)
			}
		}
	}
}

// cleanup releases owned resources. Safe to call more than once.
func (s *service) cleanup() {
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](context.Background()); err != nil {
				s.logger.Warn("shutdown error", "error", err)
			}
		}
	})
}

// =============================================================================
// Helpers
// =============================================================================

// unavailableTokens fails every token request with the startup error.
type unavailableTokens struct {
	err error
}

func (u unavailableTokens) Token(context.Context) (string, error) {
	return "", u.err
}

// requestLogger logs one line per finished request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case path == "/health" || path == "/metrics":
			level = slog.LevelDebug
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
