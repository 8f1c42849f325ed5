package strategy

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

// VolatilityFilter is an additional entry check on top of the index range
type VolatilityFilter interface {
	Name() string
	Allow(ctx context.Context, s *models.Strategy, now time.Time) (bool, string)
}

// PassThroughFilter accepts every strategy. It stands in for the overnight and
// intraday volatility-change checks whose thresholds are not defined yet; when
// a strategy configures the range it logs that the check was skipped.
type PassThroughFilter struct {
	logger  logrus.FieldLogger
	rangeOf func(*models.Strategy) *models.ValueRange
	name    string
}

// NewPassThroughFilter creates a filter that ignores the range returned by rangeOf
func NewPassThroughFilter(name string, rangeOf func(*models.Strategy) *models.ValueRange, logger logrus.FieldLogger) *PassThroughFilter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PassThroughFilter{name: name, rangeOf: rangeOf, logger: logger}
}

func (f *PassThroughFilter) Name() string { return f.name }

// Allow always passes
func (f *PassThroughFilter) Allow(_ context.Context, s *models.Strategy, _ time.Time) (bool, string) {
	if f.rangeOf != nil && f.rangeOf(s) != nil {
		f.logger.WithField("strategy_id", s.ID).
			Debugf("%s filter configured but not implemented; passing", f.name)
	}
	return true, ""
}

// DefaultVolatilityFilters returns the overnight and intraday filters
func DefaultVolatilityFilters(logger logrus.FieldLogger) []VolatilityFilter {
	return []VolatilityFilter{
		NewPassThroughFilter("vix_overnight", func(s *models.Strategy) *models.ValueRange { return s.VIXOvernightRange }, logger),
		NewPassThroughFilter("vix_intraday", func(s *models.Strategy) *models.ValueRange { return s.VIXIntradayRange }, logger),
	}
}
