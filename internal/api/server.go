// Package api serves the operations surface of a running bot.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/api/middleware"
	"github.com/newthinker/spotbot/internal/api/response"
	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/live"
	"github.com/newthinker/spotbot/internal/metrics"
	"github.com/newthinker/spotbot/internal/strategy"
)

// Server represents the operations HTTP server
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	deps       Dependencies
}

// Config holds server configuration
type Config struct {
	Host        string
	Port        int
	APIKey      string
	MetricsPath string
}

// Breaker reports the circuit breaker and lets an operator clear it.
type Breaker interface {
	Status() breaker.Status
	Clear()
}

// TraderStatus reports live positions and the account value.
type TraderStatus interface {
	Status() []live.PairStatus
	Valuation(ctx context.Context, quote string) (decimal.Decimal, error)
}

// Dependencies are the components the handlers read from. Trader and
// Metrics may be nil.
type Dependencies struct {
	Breaker    Breaker
	Trader     TraderStatus
	Metrics    *metrics.Registry
	QuoteAsset string
}

// StatusDocument is the body of /api/status.
type StatusDocument struct {
	Breaker   breaker.Status    `json:"breaker"`
	Pairs     []live.PairStatus `json:"pairs"`
	Quote     string            `json:"quote,omitempty"`
	Equity    *decimal.Decimal  `json:"equity,omitempty"`
	EquityErr string            `json:"equity_error,omitempty"`
}

// ScenarioInfo describes one entry filter a binding may select.
type ScenarioInfo struct {
	Scenario    strategy.Scenario `json:"scenario"`
	Description string            `json:"description"`
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Breaker == nil {
		return nil, fmt.Errorf("api: breaker status source is required")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	s := &Server{
		logger: logger,
		mux:    mux,
		deps:   deps,
	}
	s.setupRoutes(cfg)

	var handler http.Handler = mux
	handler = middleware.APIKeyAuth(cfg.APIKey, "/api/health", cfg.MetricsPath)(handler)
	handler = metrics.LoggingMiddleware(logger)(handler)
	if deps.Metrics != nil {
		handler = metrics.HTTPMiddleware(deps.Metrics)(handler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(cfg Config) {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/status/{symbol}", s.handlePair)
	s.mux.HandleFunc("POST /api/breaker/clear", s.handleClear)
	s.mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{}))
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Breaker.Status()
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": string(st.Mode),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := StatusDocument{
		Breaker: s.deps.Breaker.Status(),
		Pairs:   []live.PairStatus{},
	}
	if s.deps.Trader != nil {
		doc.Pairs = s.deps.Trader.Status()
		if s.deps.QuoteAsset != "" {
			doc.Quote = s.deps.QuoteAsset
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			eq, err := s.deps.Trader.Valuation(ctx, s.deps.QuoteAsset)
			cancel()
			if err != nil {
				doc.EquityErr = err.Error()
			} else {
				doc.Equity = &eq
			}
		}
	}
	response.JSON(w, http.StatusOK, doc)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if s.deps.Trader != nil {
		for _, p := range s.deps.Trader.Status() {
			if p.Symbol == symbol {
				response.JSON(w, http.StatusOK, p)
				return
			}
		}
	}
	response.Fail(w, core.Errorf(core.ErrUnknownSymbol, "no state for %s", symbol))
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	filters := strategy.Filters()
	out := make([]ScenarioInfo, 0, len(filters))
	for _, f := range filters {
		out = append(out, ScenarioInfo{Scenario: f.Scenario(), Description: f.Description()})
	}
	response.JSON(w, http.StatusOK, out)
}

// handleClear is the in-process counterpart of "state clear-alert": the
// running bot would otherwise overwrite a blob edited behind its back.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	before := s.deps.Breaker.Status().Mode
	s.deps.Breaker.Clear()
	s.logger.Warn("breaker cleared by operator",
		zap.String("from", string(before)),
		zap.String("remote", r.RemoteAddr),
	)
	response.JSON(w, http.StatusOK, s.deps.Breaker.Status())
}
