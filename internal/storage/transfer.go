package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
)

// importRequiredKeys must all be present for an imported entry to be considered
var importRequiredKeys = []string{"dayOfWeek", "delta", "t1"}

// ImportSkip describes one rejected import entry
type ImportSkip struct {
	Reason string `json:"reason"`
	Index  int    `json:"index"`
}

// ImportReport summarizes an import run
type ImportReport struct {
	IDs      []string     `json:"ids"`
	Skipped  []ImportSkip `json:"skipped"`
	Imported int          `json:"imported"`
}

// Export writes every strategy as a pretty-printed JSON array
func Export(ctx context.Context, repo Interface, w io.Writer) (int, error) {
	strategies, err := repo.ListStrategies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list strategies: %w", err)
	}
	raw, err := json.MarshalIndent(strategies, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode strategies: %w", err)
	}
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return len(strategies), nil
}

// Import reads a JSON array of partial strategies and stores each acceptable
// entry under a fresh id. Entries without dayOfWeek, delta and t1, or that
// fail validation, are skipped and reported. A malformed document stores
// nothing.
func Import(ctx context.Context, repo Interface, r io.Reader) (*ImportReport, error) {
	var items []json.RawMessage
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("imported data is not a JSON array: %w", err)
	}

	report := &ImportReport{IDs: make([]string, 0), Skipped: make([]ImportSkip, 0)}
	for i, item := range items {
		strategy, reason := decodeImported(item)
		if strategy == nil {
			report.Skipped = append(report.Skipped, ImportSkip{Index: i, Reason: reason})
			continue
		}
		stored, err := repo.UpsertStrategy(ctx, strategy)
		if err != nil {
			return report, fmt.Errorf("store imported strategy %d: %w", i, err)
		}
		report.IDs = append(report.IDs, stored.ID)
		report.Imported++
	}
	return report, nil
}

// decodeImported returns the strategy to store, or nil and a skip reason
func decodeImported(item json.RawMessage) (*models.Strategy, string) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(item, &keys); err != nil {
		return nil, "entry is not an object"
	}
	for _, k := range importRequiredKeys {
		if v, ok := keys[k]; !ok || string(v) == "null" {
			return nil, fmt.Sprintf("missing %s", k)
		}
	}

	s := &models.Strategy{Name: models.DefaultStrategyName}
	if err := json.Unmarshal(item, s); err != nil {
		return nil, fmt.Sprintf("malformed entry: %v", err)
	}
	s.ID = ""
	s.Normalize()
	if s.Name == "" {
		s.Name = models.DefaultStrategyName
	}
	if err := s.Validate(); err != nil {
		return nil, err.Error()
	}
	return s, ""
}
