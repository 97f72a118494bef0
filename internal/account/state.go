// Package account holds the engine's view of per-asset balances.
package account

import (
	"errors"
	"sync"

	"auto-trader/internal/core"
)

// ErrUnknownAsset indicates the asset has never appeared in a snapshot.
var ErrUnknownAsset = errors.New("unknown asset")

// State is an atomically replaceable balance snapshot. Mutators install a
// freshly built map, so readers always observe one complete generation.
type State struct {
	mu       sync.RWMutex
	balances map[string]core.Balance
}

func NewState() *State {
	return &State{}
}

// Replace installs a wholesale snapshot, discarding all prior balances.
func (s *State) Replace(balances []core.Balance) {
	next := make(map[string]core.Balance, len(balances))
	for _, b := range balances {
		next[b.Asset] = b
	}
	s.mu.Lock()
	s.balances = next
	s.mu.Unlock()
}

// ApplyDelta upserts only the assets present in the delta, leaving others
// untouched. Used for incremental push updates; full refreshes and deltas may
// race, which is fine since both are convergent views of exchange-side truth.
func (s *State) ApplyDelta(balances []core.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]core.Balance, len(s.balances)+len(balances))
	for asset, b := range s.balances {
		next[asset] = b
	}
	for _, b := range balances {
		next[b.Asset] = b
	}
	s.balances = next
}

func (s *State) Get(asset string) (core.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[asset]
	if !ok {
		return core.Balance{}, ErrUnknownAsset
	}
	return b, nil
}

// Free returns the asset's balance, zero-valued when unknown.
func (s *State) Free(asset string) core.Balance {
	b, err := s.Get(asset)
	if err != nil {
		return core.Balance{Asset: asset}
	}
	return b
}

// All returns the current snapshot's balances in no particular order.
func (s *State) All() []core.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	return out
}
