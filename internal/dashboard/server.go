// Package dashboard serves the control API: strategy management, trade
// history, and engine start/stop.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/engine"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Engine is the engine control surface the API drives
type Engine interface {
	Start(accountID string) error
	Stop() context.Context
	IsActive() bool
	CurrentAccount() string
	ActiveTrades() []models.Trade
}

// AccountLister lists brokerage accounts
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]broker.Account, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	repo      storage.Interface
	engine    Engine
	accounts  AccountLister
	logger    logrus.FieldLogger
	authToken string
	port      int
	timeout   time.Duration
}

type Config struct {
	AuthToken      string
	Port           int
	RequestTimeout time.Duration
}

// EngineView is the engine state reported by GET /api/engine
type EngineView struct {
	Account    string `json:"account,omitempty"`
	Active     bool   `json:"active"`
	OpenTrades int    `json:"openTrades"`
}

// Statistics aggregates realized results and open exposure
type Statistics struct {
	TotalPnLDisplay     string  `json:"totalPnLDisplay"`
	OpenExposureDisplay string  `json:"openExposureDisplay"`
	Strategies          int     `json:"strategies"`
	ActiveStrategies    int     `json:"activeStrategies"`
	OpenTrades          int     `json:"openTrades"`
	WinningTrades       int     `json:"winningTrades"`
	LosingTrades        int     `json:"losingTrades"`
	WinRate             float64 `json:"winRate"`
	TotalPnL            float64 `json:"totalPnL"`
	OpenExposure        float64 `json:"openExposure"`
}

// ParseResult is the answer to POST /api/strategies/parse
type ParseResult struct {
	Strategy    *models.Strategy `json:"strategy"`
	Canonical   string           `json:"canonical"`
	DayFallback bool             `json:"dayFallback,omitempty"`
}

func NewServer(cfg Config, repo storage.Interface, eng Engine, accounts AccountLister, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "dashboard")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		router:    chi.NewRouter(),
		repo:      repo,
		engine:    eng,
		accounts:  accounts,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		timeout:   cfg.RequestTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.timeout))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}

		r.Get("/strategies", s.handleListStrategies)
		r.Post("/strategies", s.handleUpsertStrategy)
		r.Post("/strategies/parse", s.handleParseStrategy)
		r.Get("/strategies/export", s.handleExport)
		r.Post("/strategies/import", s.handleImport)
		r.Get("/strategies/{id}", s.handleGetStrategy)
		r.Delete("/strategies/{id}", s.handleDeleteStrategy)
		r.Post("/strategies/{id}/active", s.handleSetActive)

		r.Get("/strategy-trades", s.handleListTrades)
		r.Post("/strategy-trades", s.handleUpsertTrade)
		r.Get("/trades/active", s.handleActiveTrades)
		r.Get("/stats", s.handleGetStats)

		r.Get("/engine", s.handleEngine)
		r.Post("/engine/start", s.handleEngineStart)
		r.Post("/engine/stop", s.handleEngineStop)
		r.Get("/accounts", s.handleAccounts)
	})
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// authMiddleware accepts the token as a bearer credential, an X-Auth-Token
// header, or a token query parameter
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storageError maps repository errors onto HTTP statuses
func (s *Server) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).Error("Storage request failed")
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListStrategies(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.GetStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertStrategy(w http.ResponseWriter, r *http.Request) {
	var in models.Strategy
	if !decodeBody(w, r, &in) {
		return
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.repo.UpsertStrategy(r.Context(), &in)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	ok, err := s.repo.DeleteStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsActive *bool `json:"isActive"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.IsActive == nil {
		writeError(w, http.StatusBadRequest, "isActive is required")
		return
	}
	current, err := s.repo.GetStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	current.IsActive = *in.IsActive
	out, err := s.repo.UpsertStrategy(r.Context(), current)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.logger.WithField("strategy_id", out.ID).Infof("Strategy %q active=%t", out.Name, out.IsActive)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleParseStrategy(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	parsed, err := models.ParseStrategy(in.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := ParseResult{Strategy: parsed, Canonical: models.FormatStrategy(parsed)}
	if fields := strings.Fields(in.Text); len(fields) > 0 {
		if _, ok := models.ParseDay(fields[0]); !ok {
			res.DayFallback = true
			s.logger.Warnf("Unknown day %q in strategy text, using Monday", fields[0])
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="strategies.json"`)
	n, err := storage.Export(r.Context(), s.repo, w)
	if err != nil {
		// Export writes nothing when the listing fails
		s.storageError(w, err)
		return
	}
	s.logger.Debugf("Exported %d strategies", n)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	report, err := storage.Import(r.Context(), s.repo, http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		if report == nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.storageError(w, err)
		return
	}
	s.logger.Infof("Imported %d strategies, skipped %d", report.Imported, len(report.Skipped))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	out, err := s.repo.ListTrades(r.Context(), r.URL.Query().Get("strategyId"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertTrade(w http.ResponseWriter, r *http.Request) {
	var in models.Trade
	if !decodeBody(w, r, &in) {
		return
	}
	if in.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "strategyId is required")
		return
	}
	if !in.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", in.Status))
		return
	}
	if err := s.repo.UpsertTrade(r.Context(), &in); err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": in.ID})
}

func (s *Server) handleActiveTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveTrades())
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.repo.ListStrategies(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calculateStatistics(strategies, s.engine.ActiveTrades()))
}

func calculateStatistics(strategies []models.Strategy, open []models.Trade) Statistics {
	stats := Statistics{
		Strategies:       len(strategies),
		ActiveStrategies: lo.CountBy(strategies, func(s models.Strategy) bool { return s.IsActive }),
		OpenTrades:       len(open),
	}
	for _, s := range strategies {
		if s.Results == nil {
			continue
		}
		stats.WinningTrades += s.Results.WinCount
		stats.LosingTrades += s.Results.LossCount
		stats.TotalPnL += s.Results.TotalPnL
	}
	if decided := stats.WinningTrades + stats.LosingTrades; decided > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(decided) * 100
	}
	stats.OpenExposure = lo.SumBy(open, func(t models.Trade) float64 {
		return t.EntryPriceValue() * float64(t.Contracts) * models.ContractMultiplier
	})
	stats.TotalPnLDisplay = "$" + humanize.CommafWithDigits(stats.TotalPnL, 2)
	stats.OpenExposureDisplay = "$" + humanize.CommafWithDigits(stats.OpenExposure, 2)
	return stats
}

func (s *Server) engineView() EngineView {
	return EngineView{
		Active:     s.engine.IsActive(),
		Account:    s.engine.CurrentAccount(),
		OpenTrades: len(s.engine.ActiveTrades()),
	}
}

func (s *Server) handleEngine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engineView())
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AccountID string `json:"accountId"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	err := s.engine.Start(in.AccountID)
	switch {
	case errors.Is(err, engine.ErrNoAccount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.WithError(err).Error("Engine start failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engineView())
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	done := s.engine.Stop()
	select {
	case <-done.Done():
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "engine is still finishing the current tick")
		return
	}
	writeJSON(w, http.StatusOK, s.engineView())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeJSON(w, http.StatusOK, []broker.Account{})
		return
	}
	out, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list accounts")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}
