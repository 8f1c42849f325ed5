// audit_trades - A utility to audit open trades in storage against the
// order states reported by the broker gateway.
// This script helps identify trades whose orders the engine no longer tracks
// correctly, e.g. after a crash or a manual intervention in the broker UI.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/config"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/orders"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// TradeAudit is the broker view of one open trade
type TradeAudit struct {
	Orders     map[string]string `json:"orders"` // role -> order state
	TradeID    string            `json:"tradeId"`
	StrategyID string            `json:"strategyId"`
	Status     string            `json:"status"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Broker.Provider != config.ProviderIBKR {
		log.Fatalf("Audit needs a real gateway; broker.provider is %q", cfg.Broker.Provider)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Broker: %s (%s)\n", cfg.Broker.Provider, cfg.Environment.Mode)
		fmt.Printf("Account ID: %s\n", maskAccountID(cfg.Broker.AccountID))
		fmt.Printf("\n")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	repo, err := storage.New(storage.Options{
		Backend:       cfg.Storage.Backend,
		Path:          cfg.Storage.Path,
		RemoteURL:     cfg.Storage.RemoteURL,
		RemoteToken:   cfg.Storage.RemoteToken,
		RemoteTimeout: cfg.RemoteTimeout(),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if c, ok := repo.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	httpClient := &http.Client{Timeout: cfg.BrokerTimeout()}
	if cfg.Broker.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- local gateway with self-signed cert
		}
	}
	opts := []broker.IBKROption{broker.WithHTTPClient(httpClient), broker.WithLogger(logger)}
	if cfg.Broker.RateLimitPerSecond > 0 {
		opts = append(opts, broker.WithRateLimit(cfg.Broker.RateLimitPerSecond))
	}
	gw := broker.NewIBKRClient(cfg.Broker.APIEndpoint, opts...)
	manager := orders.NewManager(gw, logger, orders.Config{CallTimeout: cfg.BrokerTimeout()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("Auditing open trades and their orders...\n")
	trades, err := repo.ListTrades(ctx, "")
	if err != nil {
		log.Fatalf("Failed to list trades: %v", err)
	}
	open := lo.Filter(trades, func(t models.Trade, _ int) bool { return !t.IsTerminal() })

	audits := make([]TradeAudit, 0, len(open))
	for i := range open {
		audits = append(audits, auditTrade(ctx, manager, cfg.Broker.AccountID, &open[i]))
	}

	// Output results
	if *jsonOutput {
		output, err := json.MarshalIndent(audits, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	fmt.Printf("%d open trade(s) of %d total\n\n", len(open), len(trades))
	for _, a := range audits {
		fmt.Printf("%s  %-22s", a.TradeID, a.Status)
		for _, role := range orderRoles {
			if st, ok := a.Orders[role]; ok {
				fmt.Printf("  %s=%s", role, st)
			}
		}
		fmt.Println()
	}

	fmt.Printf("\n=== ANALYSIS ===\n")
	issues := analyzeAudit(audits)
	if len(issues) > 0 {
		fmt.Printf("POTENTIAL ISSUES FOUND:\n")
		for i, issue := range issues {
			fmt.Printf("  %d. %s\n", i+1, issue)
		}
	} else {
		fmt.Printf("No obvious issues detected.\n")
	}
}

var orderRoles = []string{"entry", "take_profit", "averaging", "exit_near", "exit_far"}

func tradeOrders(t *models.Trade) map[string]string {
	ids := map[string]string{
		"entry":       t.EntryOrderID,
		"take_profit": t.TakeProfitOrderID,
		"averaging":   t.AveragingOrderID,
		"exit_near":   t.ExitOrderID,
		"exit_far":    t.ExitFarOrderID,
	}
	return lo.PickBy(ids, func(_ string, id string) bool { return id != "" })
}

func auditTrade(ctx context.Context, m *orders.Manager, account string, t *models.Trade) TradeAudit {
	a := TradeAudit{
		TradeID:    t.ID,
		StrategyID: t.StrategyID,
		Status:     string(t.Status),
		Orders:     make(map[string]string),
	}
	for role, id := range tradeOrders(t) {
		st, err := m.Check(ctx, account, id)
		if err != nil {
			a.Orders[role] = "error: " + err.Error()
			continue
		}
		a.Orders[role] = st.State
	}
	return a
}

// analyzeAudit flags order states that contradict the stored trade status
func analyzeAudit(audits []TradeAudit) []string {
	var issues []string
	for _, a := range audits {
		id := a.TradeID
		if len(id) > 8 {
			id = id[:8]
		}
		tp, hasTP := a.Orders["take_profit"]
		switch models.TradeStatus(a.Status) {
		case models.StatusTakeProfitPlaced, models.StatusAveraging:
			if !hasTP {
				issues = append(issues, fmt.Sprintf("trade %s is %s without a take-profit order", id, a.Status))
			} else if tp == broker.OrderStateFilled {
				issues = append(issues, fmt.Sprintf("trade %s take-profit filled but not settled", id))
			} else if tp == broker.OrderStateCancelled || tp == broker.OrderStateRejected {
				issues = append(issues, fmt.Sprintf("trade %s take-profit is %s", id, tp))
			}
		case models.StatusEntered:
			if !hasTP {
				issues = append(issues, fmt.Sprintf("trade %s holds a position without a take-profit", id))
			}
		case models.StatusExitedByTime:
			for _, role := range []string{"exit_near", "exit_far"} {
				if st, ok := a.Orders[role]; !ok || st != broker.OrderStateFilled {
					issues = append(issues, fmt.Sprintf("trade %s close leg %s not filled (%s)", id, role, lo.Ternary(ok, st, "missing")))
				}
			}
		case models.StatusWaiting:
			issues = append(issues, fmt.Sprintf("trade %s never got past waiting", id))
		}
		for role, st := range a.Orders {
			if strings.HasPrefix(st, "error: ") {
				issues = append(issues, fmt.Sprintf("trade %s %s order status unavailable", id, role))
			}
		}
	}
	return issues
}
