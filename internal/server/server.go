package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/shipgate/internal/fulfillment"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/tournevent/shipgate/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Service is the fulfillment surface the HTTP API exposes.
type Service interface {
	Quote(ctx context.Context, req *fulfillment.Request, m fulfillment.Merchant) ([]carrier.Rate, error)
	ShopRates(ctx context.Context, req *fulfillment.Request, m fulfillment.Merchant) (*fulfillment.RateShop, error)
	Fulfill(ctx context.Context, req *fulfillment.Request, m fulfillment.Merchant) (*carrier.LabelResult, error)
	Cancel(ctx context.Context, m fulfillment.Merchant, shipmentID string) (*carrier.CancelResult, error)
	Track(ctx context.Context, m fulfillment.Merchant, shipmentID string) (*carrier.TrackResult, error)
	Manifest(ctx context.Context, m fulfillment.Merchant, accountID string) (*fulfillment.ManifestOutcome, error)
	ReconcileManifest(ctx context.Context, m fulfillment.Merchant, accountID, manifestID string) (*fulfillment.ManifestOutcome, error)
}

// Server is the HTTP server for the shipping gateway.
type Server struct {
	port            int
	shutdownTimeout time.Duration
	svc             Service
	logger          *otelzap.Logger
	metrics         *telemetry.Metrics
}

// Config holds server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// New creates a new server instance.
func New(cfg Config, svc Service, logger *otelzap.Logger, metrics *telemetry.Metrics) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		port:            cfg.Port,
		shutdownTimeout: cfg.ShutdownTimeout,
		svc:             svc,
		logger:          logger,
		metrics:         metrics,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(merchantIdentity)
		r.Post("/rates", s.handleRates)
		r.Post("/labels", s.handleCreateLabel)
		r.Post("/shipments/{shipmentID}/cancel", s.handleCancel)
		r.Get("/shipments/{shipmentID}/tracking", s.handleTrack)
		r.Post("/accounts/{accountID}/manifest", s.handleManifest)
		r.Post("/accounts/{accountID}/manifests/{manifestID}/reconcile", s.handleReconcile)
	})
	return r
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // label purchase may wait on slow carriers
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		s.logger.Ctx(r.Context()).Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
