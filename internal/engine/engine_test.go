package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	engine *Engine
	repo   *storage.MockStorage
	gw     *fakeGateway
	clock  *testClock
	ny     *time.Location
	hook   *test.Hook
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	return loc
}

// entryMinute is Monday 2025-03-10 09:32 in New York
func entryMinute(ny *time.Location) time.Time {
	return time.Date(2025, 3, 10, 9, 32, 5, 0, ny)
}

func nearExpiry(ny *time.Location) time.Time { return time.Date(2025, 3, 13, 0, 0, 0, 0, ny) }
func farExpiry(ny *time.Location) time.Time  { return time.Date(2025, 3, 14, 0, 0, 0, 0, ny) }

func calendarChain(ny *time.Location) []broker.Contract {
	return []broker.Contract{
		{Conid: "far", Symbol: "SPX 250314C5800", Right: "C", Strike: 5800, Delta: 0.7, Expiry: farExpiry(ny), Bid: 150, Ask: 154},
		{Conid: "near", Symbol: "SPX 250313C5800", Right: "C", Strike: 5800, Delta: 0.7, Expiry: nearExpiry(ny), Bid: 100, Ask: 102},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ny := newYork(t)
	clock := &testClock{now: entryMinute(ny)}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	repo := storage.NewMockStorage()
	gw := newFakeGateway()
	gw.contracts = calendarChain(ny)

	cfg := DefaultConfig()
	cfg.Location = ny
	cfg.OrderPollInterval = 2 * time.Millisecond
	cfg.CloseConfirmTimeout = 30 * time.Millisecond
	cfg.CheckInterval = time.Hour

	e := New(cfg, repo, gw, WithClock(clock.Now), WithLogger(logger))
	return &harness{engine: e, repo: repo, gw: gw, clock: clock, ny: ny, hook: hook}
}

func (h *harness) addStrategy(t *testing.T, mutate func(*models.Strategy)) *models.Strategy {
	t.Helper()
	s := &models.Strategy{
		Name:      "monday",
		IsActive:  true,
		DayOfWeek: 1,
		Delta:     70,
		D1:        3,
		D2:        4,
		T1:        "09-32",
		T2:        "15-30",
		TP:        20,
		MaxCost:   10000,
	}
	if mutate != nil {
		mutate(s)
	}
	stored, err := h.repo.UpsertStrategy(context.Background(), s)
	require.NoError(t, err)
	return stored
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start("U1"))
	t.Cleanup(func() { <-h.engine.Stop().Done() })
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Tick(context.Background()))
}

func (h *harness) trades(t *testing.T, strategyID string) []models.Trade {
	t.Helper()
	trades, err := h.repo.ListTrades(context.Background(), strategyID)
	require.NoError(t, err)
	return trades
}

func TestEngineLifecycle(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	assert.False(t, e.IsActive())
	assert.Equal(t, "", e.CurrentAccount())
	assert.True(t, errors.Is(e.Tick(context.Background()), ErrNotRunning))

	assert.True(t, errors.Is(e.Start(""), ErrNoAccount))
	require.NoError(t, e.Start("U1"))
	assert.True(t, e.IsActive())
	assert.Equal(t, "U1", e.CurrentAccount())
	assert.True(t, errors.Is(e.Start("U2"), ErrAlreadyRunning))

	ctx := e.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop should complete with no tick in flight")
	}
	assert.False(t, e.IsActive())
	assert.True(t, errors.Is(e.Tick(context.Background()), ErrNotRunning))

	// Idempotent
	select {
	case <-e.Stop().Done():
	default:
		t.Fatal("second stop should return a done context")
	}

	require.NoError(t, e.Start("U2"))
	assert.Equal(t, "U2", e.CurrentAccount())
	<-e.Stop().Done()
}

func TestStartFailsWhenTradesCannotLoad(t *testing.T) {
	h := newHarness(t)
	h.repo.SetLoadError(errors.New("disk gone"))
	err := h.engine.Start("U1")
	require.Error(t, err)
	assert.False(t, h.engine.IsActive())
}

func TestStartLoadsOnlyOpenTrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.addStrategy(t, nil)

	open := models.NewTrade("open-1", s.ID, h.clock.Now().Add(-time.Hour))
	require.NoError(t, h.repo.UpsertTrade(ctx, open))
	done := models.NewTrade("done-1", s.ID, h.clock.Now().Add(-2*time.Hour))
	done.Fail("old failure", h.clock.Now())
	require.NoError(t, h.repo.UpsertTrade(ctx, done))

	h.start(t)
	active := h.engine.ActiveTrades()
	require.Len(t, active, 1)
	assert.Equal(t, "open-1", active[0].ID)

	// Copy-on-read
	active[0].Status = models.StatusCompleted
	assert.Equal(t, models.StatusWaiting, h.engine.ActiveTrades()[0].Status)
}

func TestTickEntersQualifyingStrategy(t *testing.T) {
	h := newHarness(t)
	s := h.addStrategy(t, nil)
	h.start(t)
	h.tick(t)

	trades := h.trades(t, s.ID)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, models.StatusTakeProfitPlaced, tr.Status, "errors: %v", tr.Errors)
	assert.Empty(t, tr.Errors)
	assert.InDelta(t, 51.0, tr.EntryPriceValue(), 1e-9)
	assert.Equal(t, 1, tr.Contracts)
	require.NotNil(t, tr.Position)
	assert.Equal(t, "near", tr.Position.NearConid)
	assert.Equal(t, "far", tr.Position.FarConid)
	assert.Equal(t, 5800.0, tr.Position.Strike)
	assert.NotEmpty(t, tr.EntryOrderID)
	assert.NotEmpty(t, tr.TakeProfitOrderID)
	require.NoError(t, tr.ValidateState())

	combos, deps, _, _ := h.gw.snapshot()
	require.Len(t, combos, 1)
	assert.Equal(t, []broker.Leg{
		{Conid: "near", Side: broker.SideSell, Quantity: 1},
		{Conid: "far", Side: broker.SideBuy, Quantity: 1},
	}, combos[0].legs)
	assert.Equal(t, 10000.0, combos[0].maxCost)

	require.Len(t, deps, 1)
	assert.Equal(t, tr.EntryOrderID, deps[0].parentID)
	assert.InDelta(t, 61.2, deps[0].target, 1e-9)
	assert.Equal(t, 1, deps[0].quantity)

	active := h.engine.ActiveTrades()
	require.Len(t, active, 1)
	assert.Equal(t, tr.ID, active[0].ID)

	stored, err := h.repo.GetStrategy(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastExecuted)
	assert.True(t, stored.LastExecuted.Equal(h.clock.Now()))
}

func TestTickSkipsInactiveAndOffSchedule(t *testing.T) {
	h := newHarness(t)
	h.addStrategy(t, func(s *models.Strategy) { s.IsActive = false })
	h.addStrategy(t, func(s *models.Strategy) { s.T1 = "09-33" })
	h.addStrategy(t, func(s *models.Strategy) { s.DayOfWeek = 2 })
	h.start(t)
	h.tick(t)

	assert.Equal(t, 0, h.gw.findCalls)
	assert.Empty(t, h.trades(t, ""))
}

func TestTickNeverReentersOpenStrategy(t *testing.T) {
	h := newHarness(t)
	s := h.addStrategy(t, nil)
	h.start(t)

	h.tick(t)
	h.clock.Set(h.clock.Now().Add(20 * time.Second)) // same minute
	h.tick(t)
	h.clock.Set(h.clock.Now().AddDate(0, 0, 7).Add(-20 * time.Second)) // next Monday, open trade remains
	h.tick(t)

	assert.Len(t, h.trades(t, s.ID), 1)
	assert.Equal(t, 1, h.gw.findCalls)
}

func TestStopStartDoesNotDuplicateEntry(t *testing.T) {
	h := newHarness(t)
	s := h.addStrategy(t, nil)
	h.gw.findErr = errors.New("search down") // the trade ends in error, so only the slot guard blocks
	h.start(t)
	h.tick(t)

	<-h.engine.Stop().Done()
	require.NoError(t, h.engine.Start("U1"))
	assert.Empty(t, h.engine.ActiveTrades(), "terminal trades are not reloaded")
	h.tick(t)

	assert.Len(t, h.trades(t, s.ID), 1)
	assert.Equal(t, 1, h.gw.findCalls)
}

func TestEntryFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantInErr string
		wantCombo int
	}{
		{
			name:      "fewer than two contracts",
			setup:     func(h *harness) { h.gw.contracts = h.gw.contracts[:1] },
			wantInErr: "fewer than two",
		},
		{
			name:      "option search error",
			setup:     func(h *harness) { h.gw.findErr = errors.New("timeout") },
			wantInErr: "option search failed",
		},
		{
			name: "insufficient funds",
			setup: func(h *harness) {
				for i := range h.gw.contracts {
					h.gw.contracts[i].Bid *= 3
					h.gw.contracts[i].Ask *= 3
				}
			},
			wantInErr: "insufficient funds",
		},
		{
			name: "entry order rejected",
			setup: func(h *harness) {
				h.gw.comboErr = errors.New("margin")
			},
			wantInErr: "entry order rejected",
			wantCombo: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.addStrategy(t, nil)
			tt.setup(h)
			h.start(t)
			h.tick(t)

			trades := h.trades(t, s.ID)
			require.Len(t, trades, 1)
			assert.Equal(t, models.StatusError, trades[0].Status)
			require.NotEmpty(t, trades[0].Errors)
			assert.Contains(t, trades[0].Errors[len(trades[0].Errors)-1], tt.wantInErr)
			assert.Empty(t, h.engine.ActiveTrades())

			combos, deps, _, _ := h.gw.snapshot()
			assert.Len(t, combos, tt.wantCombo)
			assert.Empty(t, deps, "no take-profit without an entry order")
		})
	}
}

func TestEntryAbortsWhenInitialSaveFails(t *testing.T) {
	h := newHarness(t)
	h.addStrategy(t, nil)
	h.start(t)
	h.repo.SetSaveError(errors.New("read-only"))
	h.tick(t)

	assert.Equal(t, 0, h.gw.findCalls)
	assert.Empty(t, h.engine.ActiveTrades())
}

func TestTakeProfitFailureKeepsPositionAndRetries(t *testing.T) {
	h := newHarness(t)
	s := h.addStrategy(t, nil)
	h.gw.tpErr = errors.New("order held")
	h.start(t)
	h.tick(t)

	trades := h.trades(t, s.ID)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusEntered, trades[0].Status)
	assert.NotEmpty(t, trades[0].EntryOrderID)
	require.NotEmpty(t, trades[0].Errors)
	assert.Contains(t, trades[0].Errors[0], "take-profit order failed")
	require.Len(t, h.engine.ActiveTrades(), 1, "position stays supervised")

	// The entry tick already retried once in its monitor pass
	_, deps, _, _ := h.gw.snapshot()
	assert.Len(t, deps, 2)

	h.gw.mu.Lock()
	h.gw.tpErr = nil
	h.gw.mu.Unlock()
	h.clock.Set(h.clock.Now().Add(time.Minute))
	h.tick(t)

	trades = h.trades(t, s.ID)
	assert.Equal(t, models.StatusTakeProfitPlaced, trades[0].Status)
	assert.Equal(t, 3, trades[0].TakeProfitAttempts)
	assert.Len(t, trades[0].Errors, 2, "error log is append-only")
}

func TestTakeProfitAttemptsAreBounded(t *testing.T) {
	h := newHarness(t)
	h.addStrategy(t, nil)
	h.gw.tpErr = errors.New("order held")
	h.start(t)
	for i := 0; i < 6; i++ {
		h.tick(t)
		h.clock.Set(h.clock.Now().Add(time.Minute))
	}
	_, deps, _, _ := h.gw.snapshot()
	assert.Len(t, deps, DefaultConfig().MaxTakeProfitAttempts)
}

func TestIndexFilterSharesOneLookup(t *testing.T) {
	h := newHarness(t)
	vix := models.ValueRange{Min: 12, Max: 25}
	for i := 0; i < 3; i++ {
		h.addStrategy(t, func(s *models.Strategy) { s.VIX = &vix })
	}
	h.gw.indexValue = 30 // out of range, nobody enters
	h.start(t)
	h.tick(t)
	h.clock.Set(h.clock.Now().Add(10 * time.Second))
	h.tick(t)

	assert.Equal(t, 1, h.gw.indexCalls)
	assert.Equal(t, 0, h.gw.findCalls)
}

func TestIndexSentinelBlocksEntry(t *testing.T) {
	h := newHarness(t)
	vix := models.ValueRange{Min: 12, Max: 25}
	h.addStrategy(t, func(s *models.Strategy) { s.VIX = &vix })
	h.gw.indexErr = errors.New("no market data")
	h.start(t)
	h.tick(t)

	assert.Equal(t, 0, h.gw.findCalls)
	assert.Empty(t, h.trades(t, ""))
}

func TestTickSkipsEntryWhenRepositoryHoldsOpenTrade(t *testing.T) {
	h := newHarness(t)
	s := h.addStrategy(t, nil)
	h.start(t)

	// written by another process after Start loaded the working set
	require.NoError(t, h.repo.UpsertTrade(context.Background(), &models.Trade{
		StrategyID: s.ID,
		Status:     models.StatusWaiting,
		CreatedAt:  h.clock.Now(),
	}))
	h.tick(t)

	assert.Len(t, h.trades(t, s.ID), 1)
	assert.Equal(t, 0, h.gw.findCalls)
	assert.Empty(t, h.engine.ActiveTrades())
}
