package storage

import (
	"context"
	"errors"

	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

// FallbackStorage prefers a primary (remote) store and falls back to a local
// one when the primary fails. Successful primary writes are mirrored locally
// so the fallback stays close to current.
type FallbackStorage struct {
	primary Interface
	local   Interface
	logger  logrus.FieldLogger
}

// NewFallbackStorage wires a primary store with a local fallback
func NewFallbackStorage(primary, local Interface, logger logrus.FieldLogger) *FallbackStorage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FallbackStorage{primary: primary, local: local, logger: logger}
}

// usable reports whether err should trigger the fallback path
func usable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

// ListStrategies reads from the primary, or the local store if it fails
func (f *FallbackStorage) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	out, err := f.primary.ListStrategies(ctx)
	if usable(err) {
		f.logger.Warnf("Remote strategies unavailable, using local copy: %v", err)
		return f.local.ListStrategies(ctx)
	}
	return out, err
}

// GetStrategy reads from the primary, or the local store if it fails
func (f *FallbackStorage) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	out, err := f.primary.GetStrategy(ctx, id)
	if usable(err) {
		f.logger.Warnf("Remote strategy %s unavailable, using local copy: %v", id, err)
		return f.local.GetStrategy(ctx, id)
	}
	return out, err
}

// UpsertStrategy writes through to the primary and mirrors locally
func (f *FallbackStorage) UpsertStrategy(ctx context.Context, s *models.Strategy) (*models.Strategy, error) {
	stored, err := f.primary.UpsertStrategy(ctx, s)
	if usable(err) {
		f.logger.Warnf("Remote strategy save failed, saving locally: %v", err)
		return f.local.UpsertStrategy(ctx, s)
	}
	if err != nil {
		return nil, err
	}
	if _, merr := f.local.UpsertStrategy(ctx, stored); merr != nil {
		f.logger.Warnf("Failed to mirror strategy %s locally: %v", stored.ID, merr)
	}
	return stored, nil
}

// DeleteStrategy deletes on the primary and mirrors locally
func (f *FallbackStorage) DeleteStrategy(ctx context.Context, id string) (bool, error) {
	deleted, err := f.primary.DeleteStrategy(ctx, id)
	if usable(err) {
		f.logger.Warnf("Remote strategy delete failed, deleting locally: %v", err)
		return f.local.DeleteStrategy(ctx, id)
	}
	if err != nil {
		return false, err
	}
	if _, merr := f.local.DeleteStrategy(ctx, id); merr != nil {
		f.logger.Warnf("Failed to mirror delete of %s locally: %v", id, merr)
	}
	return deleted, nil
}

// ListTrades reads from the primary, or the local store if it fails
func (f *FallbackStorage) ListTrades(ctx context.Context, strategyID string) ([]models.Trade, error) {
	out, err := f.primary.ListTrades(ctx, strategyID)
	if usable(err) {
		f.logger.Warnf("Remote trades unavailable, using local copy: %v", err)
		return f.local.ListTrades(ctx, strategyID)
	}
	return out, err
}

// UpsertTrade writes through to the primary and mirrors locally. The local
// write always happens so a trade is never lost while the remote is down.
func (f *FallbackStorage) UpsertTrade(ctx context.Context, t *models.Trade) error {
	perr := f.primary.UpsertTrade(ctx, t)
	lerr := f.local.UpsertTrade(ctx, t)
	switch {
	case perr == nil:
		if lerr != nil {
			f.logger.Warnf("Failed to mirror trade %s locally: %v", t.ID, lerr)
		}
		return nil
	case usable(perr):
		f.logger.Warnf("Remote trade save failed for %s, kept locally: %v", t.ID, perr)
		return lerr
	default:
		return perr
	}
}
