// Package dashboard serves the read-only JSON surface: live trades, realized
// analytics, scan history, an on-demand scan trigger, and health/metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/optionscout/internal/analytics"
	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/metrics"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/scanner"
	"github.com/papertrade/optionscout/internal/store"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	scope     *store.UserScope
	analytics *analytics.Service
	scanner   *scanner.Scanner
	broker    broker.Broker
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	addr      string
	authToken string
}

type Config struct {
	Addr      string
	AuthToken string
}

func NewServer(cfg Config, scope *store.UserScope, svc *analytics.Service, scn *scanner.Scanner, brk broker.Broker, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		scope:     scope,
		analytics: svc,
		scanner:   scn,
		broker:    brk,
		metrics:   m,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Get("/api/trades/{id}", s.handleGetTrade)
	s.router.Get("/api/analytics/summary", s.handleSummary)
	s.router.Get("/api/analytics/equity", s.handleEquity)
	s.router.Get("/api/analytics/attribution", s.handleAttribution)
	s.router.Get("/api/scans", s.handleScanHistory)
	s.router.Post("/api/scan", s.handleScan)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.scope.Store().HealthCheck(r.Context()); err != nil {
		s.logger.WithError(err).Error("Store health check failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"user":      s.scope.Username(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.scope.LiveTrades(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list live trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	trade, err := s.scope.GetTrade(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	transitions, err := s.scope.Transitions(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load transitions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"trade":       trade,
		"transitions": transitions,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.analytics.Summarize(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to summarize")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	balance := 0.0
	if raw := r.URL.Query().Get("balance"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		balance = parsed
	} else if s.broker != nil {
		if b, err := s.broker.GetAccountBalance(r.Context()); err == nil {
			balance = b
		} else {
			s.logger.WithError(err).Warn("Failed to get account balance")
		}
	}

	curve, err := s.analytics.EquityCurve(r.Context(), balance)
	if err != nil {
		s.logger.WithError(err).Error("Failed to build equity curve")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, curve)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	attr, err := s.analytics.Attribute(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to attribute")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, attr)
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	history, err := s.scope.ScanHistory(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load scan history")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

type scanRequest struct {
	Ticker       string  `json:"ticker"`
	Strategy     string  `json:"strategy"`
	OptionType   string  `json:"option_type"`
	AccountValue float64 `json:"account_value"`
	// Expiration (YYYY-MM-DD) pins the scan to the broker's chain for that
	// date instead of the market-data provider's full chain.
	Expiration string `json:"expiration,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, "Scanner Unavailable", http.StatusServiceUnavailable)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ticker == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	strategy := models.Strategy(req.Strategy)
	if req.Strategy == "" {
		strategy = models.StrategyLEAP
	}
	optType := models.OptionType(req.OptionType)
	if req.OptionType == "" {
		optType = models.OptionCall
	}
	if !optType.Valid() {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// The portfolio cap needs the premium already committed to live trades.
	exposure, err := s.scope.OpenExposure(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to compute open exposure")
		exposure = 0
	}

	var chain *models.OptionChain
	if req.Expiration != "" && s.broker != nil {
		rows, err := s.broker.GetOptionChain(r.Context(), req.Ticker, req.Expiration)
		if err != nil {
			s.logger.WithError(err).Warn("Broker chain unavailable, using provider chain")
		} else {
			chain = broker.StandardizeChain(req.Ticker, rows)
		}
	}

	result, err := s.scanner.Scan(r.Context(), scanner.Request{
		Ticker:       req.Ticker,
		Strategy:     strategy,
		OptionType:   optType,
		Chain:        chain,
		AccountValue: req.AccountValue,
		OpenExposure: exposure,
	})
	if err != nil {
		s.logger.WithError(err).Error("Scan failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordScan(string(result.Verdict), len(result.Opportunities))
	}
	if err := scanner.Persist(r.Context(), s.scope, result); err != nil {
		s.logger.WithError(err).Warn("Failed to persist scan history")
	}

	s.writeJSON(w, http.StatusOK, result)
}
