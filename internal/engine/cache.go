package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// activeCache is the in-memory working set of non-terminal trades. Records
// whose last write failed stay here, terminal or not, until a write lands.
// Readers always get copies.
type activeCache struct {
	trades  map[string]*models.Trade
	pending map[string]bool
	mu      sync.RWMutex
}

func newActiveCache() *activeCache {
	return &activeCache{
		trades:  make(map[string]*models.Trade),
		pending: make(map[string]bool),
	}
}

// reset replaces the working set with the non-terminal trades given
func (c *activeCache) reset(trades []models.Trade) int {
	next := make(map[string]*models.Trade, len(trades))
	for i := range trades {
		if trades[i].IsTerminal() {
			continue
		}
		next[trades[i].ID] = trades[i].Copy()
	}
	c.mu.Lock()
	c.trades = next
	c.pending = make(map[string]bool)
	c.mu.Unlock()
	return len(next)
}

// apply stores a persisted copy of t, or drops it once terminal
func (c *activeCache) apply(t *models.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, t.ID)
	if t.IsTerminal() {
		delete(c.trades, t.ID)
		return
	}
	c.trades[t.ID] = t.Copy()
}

// hold keeps a copy of t that the repository has not accepted yet
func (c *activeCache) hold(t *models.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades[t.ID] = t.Copy()
	c.pending[t.ID] = true
}

// unsaved returns copies of the records waiting for a successful write
func (c *activeCache) unsaved() []models.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Trade, 0, len(c.pending))
	for id := range c.pending {
		if t, ok := c.trades[id]; ok {
			out = append(out, *t.Copy())
		}
	}
	return out
}

func (c *activeCache) get(id string) (*models.Trade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trades[id]
	if !ok {
		return nil, false
	}
	return t.Copy(), true
}

// snapshot returns copies of the open trades ordered by creation time.
// Terminal records still waiting for a write are left out.
func (c *activeCache) snapshot() []models.Trade {
	c.mu.RLock()
	out := make([]models.Trade, 0, len(c.trades))
	for _, t := range c.trades {
		if t.IsTerminal() {
			continue
		}
		out = append(out, *t.Copy())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// hasOpen also counts terminal records the repository still holds as open
func (c *activeCache) hasOpen(strategyID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.trades {
		if t.StrategyID == strategyID {
			return true
		}
	}
	return false
}

func (c *activeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trades)
}

// indexCache shares index lookups between concurrent strategy evaluations
// and keeps a value for a short window. Failures are never cached.
type indexCache struct {
	source broker.Gateway
	values *gocache.Cache
	group  singleflight.Group
}

func newIndexCache(source broker.Gateway, ttl time.Duration) *indexCache {
	return &indexCache{
		source: source,
		values: gocache.New(ttl, 2*ttl),
	}
}

// GetIndexValue implements strategy.IndexProvider
func (c *indexCache) GetIndexValue(ctx context.Context, symbol string) (float64, error) {
	key := strings.ToUpper(symbol)
	if v, ok := c.values.Get(key); ok {
		return v.(float64), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.values.Get(key); ok {
			return cached, nil
		}
		value, err := c.source.GetIndexValue(ctx, key)
		if err != nil {
			return broker.IndexValueUnavailable, err
		}
		if value == broker.IndexValueUnavailable {
			return value, nil
		}
		c.values.SetDefault(key, value)
		return value, nil
	})
	if err != nil {
		return broker.IndexValueUnavailable, fmt.Errorf("index %s: %w", key, err)
	}
	return v.(float64), nil
}

// attemptGuard remembers strategy entry slots already tried so a restart or
// a second tick inside the same minute does not submit twice.
type attemptGuard struct {
	slots *gocache.Cache
}

func newAttemptGuard() *attemptGuard {
	return &attemptGuard{slots: gocache.New(10*time.Minute, 10*time.Minute)}
}

func attemptKey(strategyID string, now time.Time) string {
	return fmt.Sprintf("%s|%s|%s", strategyID, now.Format("2006-01-02"), models.ClockOf(now))
}

// claim marks the slot and reports whether this caller got it first
func (g *attemptGuard) claim(strategyID string, now time.Time) bool {
	return g.slots.Add(attemptKey(strategyID, now), now, gocache.DefaultExpiration) == nil
}
