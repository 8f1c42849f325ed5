package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/engine"
	"github.com/eddiefleurent/scranton_calendar/internal/mock"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/sirupsen/logrus"
)

const account = "DU0000000"

// virtualClock is advanced by the session loop, one market minute at a time
type virtualClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func main() {
	var (
		strategyText string
		days         int
		verbose      bool
	)
	flag.StringVar(&strategyText, "strategy", "Mon 50 3 4 09-45 15-30 15% 20000", "Strategy to run, in compact form")
	flag.IntVar(&days, "days", 5, "Trading days to simulate")
	flag.BoolVar(&verbose, "v", false, "Log engine activity")
	flag.Parse()

	fmt.Println("=== Calendar Spread Engine - Simulated End-to-End Run ===")
	fmt.Println()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.InfoLevel)
	}

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Fatalf("Failed to load time zone: %v", err)
	}

	// Initialize storage with temporary test file
	dir, err := os.MkdirTemp("", "calendar-e2e-")
	if err != nil {
		logger.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf("Failed to cleanup test storage: %v", err)
		}
	}()
	repo, err := storage.NewJSONStorage(filepath.Join(dir, "strategies.json"))
	if err != nil {
		logger.Fatalf("Failed to create storage: %v", err)
	}

	parsed, err := models.ParseStrategy(strategyText)
	if err != nil {
		logger.Fatalf("Invalid strategy: %v", err)
	}
	parsed.IsActive = true
	strategy, err := repo.UpsertStrategy(context.Background(), parsed)
	if err != nil {
		logger.Fatalf("Failed to store strategy: %v", err)
	}
	fmt.Printf("Strategy: %s\n", models.FormatStrategy(strategy))

	clock := &virtualClock{now: nextWeekday(time.Now().In(ny), time.Weekday(strategy.DayOfWeek))}
	gw := mock.NewGateway(mock.WithClock(clock.Now, ny))

	cfg := engine.DefaultConfig()
	cfg.Location = ny
	cfg.CheckInterval = time.Hour // the loop below drives every tick
	cfg.OrderPollInterval = 10 * time.Millisecond
	cfg.CloseConfirmTimeout = 200 * time.Millisecond
	eng := engine.New(cfg, repo, gw, engine.WithClock(clock.Now), engine.WithLogger(logger))
	if err := eng.Start(account); err != nil {
		logger.Fatalf("Failed to start engine: %v", err)
	}
	defer func() { <-eng.Stop().Done() }()

	ctx := context.Background()
	day := clock.Now()
	for simulated := 0; simulated < days; day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		simulated++
		open := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, ny)
		for minute := 0; minute < 390; minute++ {
			clock.Set(open.Add(time.Duration(minute) * time.Minute))
			gw.Step()
			if err := eng.Tick(ctx); err != nil {
				logger.Errorf("Tick failed: %v", err)
			}
		}
		fmt.Printf("%s: %d open trade(s)\n", day.Format("Mon 2006-01-02"), len(eng.ActiveTrades()))
	}

	printSummary(ctx, repo, strategy.ID)
}

// nextWeekday returns midnight of the next date (today included) falling on wd
func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func printSummary(ctx context.Context, repo storage.Interface, strategyID string) {
	fmt.Println()
	trades, err := repo.ListTrades(ctx, strategyID)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		return
	}
	if len(trades) == 0 {
		fmt.Println("No trades were opened")
	}
	for _, t := range trades {
		fmt.Printf("Trade %s: %s, %d contracts at %.2f", t.ID[:8], t.Status, t.Contracts, t.EntryPriceValue())
		if t.PnL != nil {
			fmt.Printf(", P&L %.2f", *t.PnL)
		}
		fmt.Println()
		for _, e := range t.Errors {
			fmt.Printf("  ! %s\n", e)
		}
	}

	s, err := repo.GetStrategy(ctx, strategyID)
	if err == nil && s.Results != nil {
		fmt.Printf("\nResults: total %.2f, %d wins / %d losses (%.0f%%)\n",
			s.Results.TotalPnL, s.Results.WinCount, s.Results.LossCount, s.Results.WinRate)
	}
	fmt.Println("\n=== Run complete ===")
}
