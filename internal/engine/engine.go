// Package engine runs calendar spread strategies: a scheduled tick opens
// trades for qualifying strategies and supervises every open trade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/orders"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/eddiefleurent/scranton_calendar/internal/strategy"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoAccount is returned by Start without an account id
	ErrNoAccount = errors.New("account id is required")
	// ErrAlreadyRunning is returned by Start on a running engine
	ErrAlreadyRunning = errors.New("engine is already running")
	// ErrNotRunning is returned by Tick on a stopped engine
	ErrNotRunning = errors.New("engine is not running")
)

// Config holds the engine timing and sizing parameters
type Config struct {
	Location              *time.Location
	CheckInterval         time.Duration
	OrderPollInterval     time.Duration
	CloseConfirmTimeout   time.Duration
	IndexCacheTTL         time.Duration
	CallTimeout           time.Duration
	TickSize              float64
	MaxConcurrency        int
	MaxTakeProfitAttempts int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Location:              time.UTC,
		CheckInterval:         30 * time.Second,
		OrderPollInterval:     2 * time.Second,
		CloseConfirmTimeout:   20 * time.Second,
		IndexCacheTTL:         15 * time.Second,
		CallTimeout:           10 * time.Second,
		TickSize:              strategy.DefaultTickSize,
		MaxConcurrency:        4,
		MaxTakeProfitAttempts: 3,
	}
}

func (c Config) sanitized() Config {
	d := DefaultConfig()
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.CheckInterval < time.Second {
		c.CheckInterval = d.CheckInterval
	}
	if c.OrderPollInterval <= 0 {
		c.OrderPollInterval = d.OrderPollInterval
	}
	if c.CloseConfirmTimeout <= 0 {
		c.CloseConfirmTimeout = d.CloseConfirmTimeout
	}
	if c.IndexCacheTTL < time.Second {
		c.IndexCacheTTL = d.IndexCacheTTL
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.TickSize <= 0 {
		c.TickSize = d.TickSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxTakeProfitAttempts <= 0 {
		c.MaxTakeProfitAttempts = d.MaxTakeProfitAttempts
	}
	return c
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAveragingPolicy replaces the averaging rule
func WithAveragingPolicy(p strategy.AveragingPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.averaging = p
		}
	}
}

// WithVolatilityFilters replaces the overnight/intraday entry filters
func WithVolatilityFilters(filters ...strategy.VolatilityFilter) Option {
	return func(e *Engine) { e.filters = filters }
}

// Engine schedules strategy evaluation and trade supervision. All state is
// owned by the instance; several engines can run side by side.
type Engine struct {
	repo      storage.Interface
	gateway   broker.Gateway
	averaging strategy.AveragingPolicy
	logger    logrus.FieldLogger
	now       func() time.Time
	orders    *orders.Manager
	evaluator *strategy.Evaluator
	index     *indexCache
	attempts  *attemptGuard
	cache     *activeCache
	cron      *cron.Cron
	filters   []strategy.VolatilityFilter
	account   string
	cfg       Config

	generation uint64
	mu         sync.Mutex
	tickMu     sync.Mutex
	resultsMu  sync.Mutex
	running    bool
}

// New creates an engine over a repository and a market gateway
func New(cfg Config, repo storage.Interface, gateway broker.Gateway, opts ...Option) *Engine {
	if repo == nil || gateway == nil {
		panic("engine.New: repository and gateway must not be nil")
	}
	e := &Engine{
		cfg:       cfg.sanitized(),
		repo:      repo,
		gateway:   gateway,
		averaging: strategy.DropAveraging{},
		logger:    logrus.StandardLogger().WithField("component", "engine"),
		now:       time.Now,
		attempts:  newAttemptGuard(),
		cache:     newActiveCache(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.index = newIndexCache(gateway, e.cfg.IndexCacheTTL)
	evalOpts := []strategy.EvaluatorOption{strategy.WithLocation(e.cfg.Location)}
	if e.filters != nil {
		evalOpts = append(evalOpts, strategy.WithVolatilityFilters(e.filters...))
	}
	e.evaluator = strategy.NewEvaluator(e.index, e.logger.WithField("component", "evaluator"), evalOpts...)
	e.orders = orders.NewManager(gateway, e.logger.WithField("component", "orders"), orders.Config{
		PollInterval: e.cfg.OrderPollInterval,
		Timeout:      e.cfg.CloseConfirmTimeout,
		CallTimeout:  e.cfg.CallTimeout,
	})
	return e
}

// Start loads open trades and begins the recurring tick for accountID
func (e *Engine) Start(accountID string) error {
	if accountID == "" {
		return ErrNoAccount
	}

	// Wait out any tick still running from a previous session so the
	// reload below cannot race with it.
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()
	trades, err := e.repo.ListTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	loaded := e.cache.reset(trades)

	e.generation++
	gen := e.generation
	e.account = accountID
	e.running = true

	cronLogger := cron.PrintfLogger(e.logger.WithField("component", "scheduler"))
	c := cron.New(
		cron.WithLocation(e.cfg.Location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.DelayIfStillRunning(cronLogger)),
	)
	c.Schedule(cron.Every(e.cfg.CheckInterval), cron.FuncJob(func() { e.scheduledTick(gen) }))
	c.Start()
	e.cron = c

	e.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"interval": e.cfg.CheckInterval,
		"open":     loaded,
	}).Info("Engine started")
	return nil
}

// Stop halts scheduling. No tick starts after Stop returns; the returned
// context is done once an in-flight tick has finished. Stop is idempotent.
func (e *Engine) Stop() context.Context {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	e.running = false
	e.generation++
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	e.logger.Info("Engine stopping")
	return c.Stop()
}

// IsActive reports whether the engine is scheduled
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// CurrentAccount returns the account of the running session
func (e *Engine) CurrentAccount() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ""
	}
	return e.account
}

// ActiveTrades returns a snapshot of the open trades
func (e *Engine) ActiveTrades() []models.Trade {
	return e.cache.snapshot()
}

// Tick runs one full pass: entries for qualifying strategies, then
// supervision of every open trade. Ticks never overlap.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	gen, running := e.generation, e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return e.tick(ctx, gen)
}

func (e *Engine) scheduledTick(gen uint64) {
	if err := e.tick(context.Background(), gen); err != nil {
		e.logger.Errorf("Tick failed: %v", err)
	}
}

// session returns the account when gen is still the live session
func (e *Engine) session(gen uint64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account, e.running && e.generation == gen
}

func (e *Engine) tick(ctx context.Context, gen uint64) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	account, live := e.session(gen)
	if !live {
		return nil
	}
	now := e.now().In(e.cfg.Location)

	listCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	strategies, err := e.repo.ListStrategies(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	e.flushUnsaved(ctx)

	byID := lo.KeyBy(strategies, func(s models.Strategy) string { return s.ID })
	active := lo.Filter(strategies, func(s models.Strategy, _ int) bool { return s.IsActive })

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i := range active {
		s := active[i]
		g.Go(func() error {
			e.processStrategy(ctx, account, &s, now)
			return nil
		})
	}
	_ = g.Wait()

	open := e.cache.snapshot()
	var mg errgroup.Group
	mg.SetLimit(e.cfg.MaxConcurrency)
	for i := range open {
		t := open[i]
		var s *models.Strategy
		if found, ok := byID[t.StrategyID]; ok {
			s = found.Copy()
		}
		mg.Go(func() error {
			e.monitorTrade(ctx, account, &t, s, now)
			return nil
		})
	}
	_ = mg.Wait()

	e.logger.WithFields(logrus.Fields{
		"strategies": len(active),
		"open":       e.cache.len(),
	}).Debug("Tick complete")
	return nil
}

// processStrategy runs the entry gate for one strategy and enters when it passes
func (e *Engine) processStrategy(ctx context.Context, account string, s *models.Strategy, now time.Time) {
	log := e.logger.WithField("strategy_id", shortID(s.ID))
	if e.cache.hasOpen(s.ID) {
		return
	}
	ok, reason := e.evaluator.CheckEntryConditions(ctx, s, now)
	if !ok {
		log.Debugf("No entry: %s", reason)
		return
	}
	if e.repoHasOpen(ctx, s.ID) {
		log.Warn("Repository holds an open trade the engine is not supervising; skipping entry")
		return
	}
	if !e.attempts.claim(s.ID, now) {
		log.Debug("Entry already attempted in this slot")
		return
	}
	log.Infof("Entry conditions met for %q", s.Name)
	e.stampExecuted(ctx, s.ID, now)
	e.enter(ctx, account, s, now)
}

// repoHasOpen checks the repository for an open trade of the strategy. A
// failed lookup counts as open.
func (e *Engine) repoHasOpen(ctx context.Context, strategyID string) bool {
	listCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	trades, err := e.repo.ListTrades(listCtx, strategyID)
	if err != nil {
		e.logger.WithField("strategy_id", shortID(strategyID)).Warnf("Cannot list trades: %v", err)
		return true
	}
	return strategy.HasOpenTrade(trades, strategyID)
}

// stampExecuted records the entry attempt time on the strategy
func (e *Engine) stampExecuted(ctx context.Context, strategyID string, now time.Time) {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()

	fresh, err := e.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		e.logger.Warnf("Could not reload strategy %s: %v", shortID(strategyID), err)
		return
	}
	at := now
	fresh.LastExecuted = &at
	if _, err := e.repo.UpsertStrategy(ctx, fresh); err != nil {
		e.logger.Warnf("Could not stamp strategy %s: %v", shortID(strategyID), err)
	}
}

// recordResult folds a realized P&L into the strategy statistics. Callers
// invoke it once, after the completed record has been persisted.
func (e *Engine) recordResult(ctx context.Context, t *models.Trade) {
	if t.PnL == nil || t.Status != models.StatusCompleted {
		return
	}
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()

	fresh, err := e.repo.GetStrategy(ctx, t.StrategyID)
	if err != nil {
		e.logger.Warnf("Results not recorded for trade %s: %v", shortID(t.ID), err)
		return
	}
	if fresh.Results == nil {
		fresh.Results = &models.StrategyResults{}
	}
	fresh.Results.Record(*t.PnL)
	if _, err := e.repo.UpsertStrategy(ctx, fresh); err != nil {
		e.logger.Warnf("Results not saved for trade %s: %v", shortID(t.ID), err)
	}
}

// save persists t and mirrors it into the active cache. It is used before a
// gateway side effect: on failure the cache keeps the previous version and
// the caller aborts.
func (e *Engine) save(ctx context.Context, t *models.Trade) error {
	e.checkState(t)
	if err := e.repo.UpsertTrade(ctx, t); err != nil {
		e.logger.WithField("trade_id", shortID(t.ID)).Errorf("Failed to persist trade: %v", err)
		return err
	}
	e.cache.apply(t)
	return nil
}

// commit persists t after a gateway side effect and reports whether the
// write landed. The cache follows either way because the remote state has
// already changed; an unsaved record is held and written again next tick.
func (e *Engine) commit(ctx context.Context, t *models.Trade) bool {
	e.checkState(t)
	if err := e.repo.UpsertTrade(ctx, t); err != nil {
		e.logger.WithField("trade_id", shortID(t.ID)).
			Errorf("Failed to persist trade after order activity, will retry next tick: %v", err)
		e.cache.hold(t)
		return false
	}
	e.cache.apply(t)
	return true
}

// flushUnsaved writes held records again. A completed record contributes to
// the strategy results only once its write succeeds.
func (e *Engine) flushUnsaved(ctx context.Context) {
	for _, t := range e.cache.unsaved() {
		if err := e.repo.UpsertTrade(ctx, &t); err != nil {
			e.logger.WithField("trade_id", shortID(t.ID)).Warnf("Trade still not persisted: %v", err)
			continue
		}
		e.logger.WithField("trade_id", shortID(t.ID)).Infof("Persisted held trade in status %s", t.Status)
		e.cache.apply(&t)
		e.recordResult(ctx, &t)
	}
}

func (e *Engine) checkState(t *models.Trade) {
	if err := t.ValidateState(); err != nil {
		e.logger.WithField("trade_id", shortID(t.ID)).Warnf("Inconsistent trade state: %v", err)
	}
}

// fail moves t to error with msg and drops it from the working set
func (e *Engine) fail(ctx context.Context, t *models.Trade, msg string) {
	e.logger.WithField("trade_id", shortID(t.ID)).Errorf("Trade failed: %s", msg)
	t.Fail(msg, e.now())
	e.commit(ctx, t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
