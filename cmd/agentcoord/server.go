package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	agentcoord "github.com/BaSui01/agentcoord"
	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/internal/metrics"
	"github.com/BaSui01/agentcoord/internal/server"
	"github.com/BaSui01/agentcoord/internal/telemetry"
	"github.com/BaSui01/agentcoord/persistence"
	"github.com/BaSui01/agentcoord/types"
)

// Server runs the coordination service: the main HTTP listener and a
// separate metrics listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	providers *telemetry.Providers
	store     persistence.OutcomeStore
	collector *metrics.Collector
	coord     *agentcoord.Coordinator

	httpManager    *server.Manager
	metricsManager *server.Manager

	bgCancel context.CancelFunc
}

// NewServer creates the service wrapper. Start wires the coordinator.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers, store persistence.OutcomeStore) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		store:     store,
	}
}

// logTransport is the in-process delivery backend: it logs each message.
// Wire deployments replace it with a real transport.
type logTransport struct {
	logger *zap.Logger
}

func (t *logTransport) Deliver(ctx context.Context, msg types.Message, recipient string) error {
	t.logger.Debug("message delivered",
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("recipient", recipient),
	)
	return nil
}

// Start builds the coordinator and launches both listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("agentcoord", s.logger)

	opts := []agentcoord.Option{
		agentcoord.WithLogger(s.logger),
		agentcoord.WithMetrics(s.collector),
	}
	if s.store != nil {
		opts = append(opts, agentcoord.WithStore(s.store))
	}
	coord, err := agentcoord.New(s.cfg, &logTransport{logger: s.logger}, opts...)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	s.coord = coord

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.coord.Start(bgCtx)
	go s.drainEvents(bgCtx)

	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// drainEvents logs coordination events so operators see allocations,
// rebalances, and protocol conclusions without scraping metrics.
func (s *Server) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.coord.Events():
			if !ok {
				return
			}
			s.logger.Info("coordination event",
				zap.String("kind", string(ev.Kind)),
				zap.String("subject", ev.Subject),
				zap.Any("fields", ev.Fields),
			)
		}
	}
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/workers", s.handleWorkers)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Messaging.RatePerSecond, s.cfg.Messaging.Burst, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"workers": s.coord.Registry().Len(),
		"uptime":  time.Since(startedAt).Round(time.Second).String(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleWorkers lists registered workers. With ?skill= the listing is
// restricted to holders of that skill, best proficiency first.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	reg := s.coord.Registry()
	if skill := r.URL.Query().Get("skill"); skill != "" {
		writeJSON(w, http.StatusOK, reg.SortedBySkill(skill))
		return
	}
	writeJSON(w, http.StatusOK, reg.List())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var startedAt = time.Now()

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops background loops, both listeners, telemetry, and the
// coordinator (which closes the store).
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	if s.coord != nil {
		if err := s.coord.Close(); err != nil {
			s.logger.Error("coordinator close error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
