// Package rules caches exchange-published trading constraints with a TTL.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"auto-trader/internal/core"
)

var (
	// ErrRulesUnavailable indicates no usable snapshot could be produced.
	ErrRulesUnavailable = errors.New("trading rules unavailable")
	// ErrUnknownSymbol indicates the symbol is absent from the current snapshot.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Fetcher loads a full rules set from the exchange.
type Fetcher interface {
	LoadTradingRules(ctx context.Context) ([]core.Rules, error)
}

// Snapshot is an immutable rules collection plus its capture time.
type Snapshot struct {
	bySymbol   map[string]core.Rules
	capturedAt time.Time
}

// Cache keeps the latest Snapshot and refreshes it on demand. Updates are
// whole-pointer swaps; readers never observe a partially built snapshot.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	snap *Snapshot
}

func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{fetcher: fetcher, ttl: ttl, now: time.Now}
}

func (c *Cache) current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Cache) fresh(snap *Snapshot) bool {
	return snap != nil && c.now().Sub(snap.capturedAt) <= c.ttl
}

// EnsureFresh refreshes the snapshot when none exists or the TTL has lapsed.
// A fetch failure leaves any previous snapshot intact.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if c.fresh(c.current()) {
		return nil
	}
	list, err := c.fetcher.LoadTradingRules(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRulesUnavailable, err)
	}
	bySymbol := make(map[string]core.Rules, len(list))
	for _, r := range list {
		bySymbol[r.Symbol] = r
	}
	next := &Snapshot{bySymbol: bySymbol, capturedAt: c.now()}
	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()
	return nil
}

// RulesFor returns the symbol's rules from the current snapshot.
func (c *Cache) RulesFor(symbol string) (core.Rules, error) {
	snap := c.current()
	if snap == nil {
		return core.Rules{}, ErrRulesUnavailable
	}
	r, ok := snap.bySymbol[symbol]
	if !ok {
		return core.Rules{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return r, nil
}

// BaseAssetsFor lists base assets tradable against the quote asset, sorted,
// minus any excluded assets (typically the fee asset).
func (c *Cache) BaseAssetsFor(quoteAsset string, exclude ...string) []string {
	snap := c.current()
	if snap == nil {
		return nil
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, a := range exclude {
		excluded[a] = struct{}{}
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(snap.bySymbol))
	for _, r := range snap.bySymbol {
		if !r.Tradable || r.QuoteAsset != quoteAsset {
			continue
		}
		if _, skip := excluded[r.BaseAsset]; skip {
			continue
		}
		if _, dup := seen[r.BaseAsset]; dup {
			continue
		}
		seen[r.BaseAsset] = struct{}{}
		out = append(out, r.BaseAsset)
	}
	sort.Strings(out)
	return out
}

// Age reports how old the current snapshot is; ok is false without one.
func (c *Cache) Age() (time.Duration, bool) {
	snap := c.current()
	if snap == nil {
		return 0, false
	}
	return c.now().Sub(snap.capturedAt), true
}
