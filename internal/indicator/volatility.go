// Package indicator computes the dispersion scores used to rank trading assets.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"auto-trader/internal/core"
)

// Volatility is the root mean square of close-to-close changes over the last
// `window` candles. Used only to rank assets, never to size orders.
func Volatility(candles []core.Candle, window int) (float64, error) {
	if window < 1 {
		return 0, fmt.Errorf("window must be >= 1, got %d", window)
	}
	if len(candles) < window+1 {
		return 0, fmt.Errorf("insufficient candles: have %d/%d", len(candles), window+1)
	}
	var sumSquaredDiff float64
	start := len(candles) - window
	for i := start; i < len(candles); i++ {
		diff, _ := candles[i].Close.Sub(candles[i-1].Close).Float64()
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(window)), nil
}

// Table maps a base asset to its dispersion score.
type Table map[string]float64

// Rank returns the table's assets ordered from most to least volatile, ties
// broken by asset name.
func (t Table) Rank() []string {
	out := make([]string, 0, len(t))
	for asset := range t {
		out = append(out, asset)
	}
	sort.Slice(out, func(a, b int) bool {
		if t[out[a]] != t[out[b]] {
			return t[out[a]] > t[out[b]]
		}
		return out[a] < out[b]
	})
	return out
}

// RankOf returns the asset's position in the ranking, or len(t) when absent,
// so unranked assets sort last when used as an allocation weight.
func (t Table) RankOf(asset string) int {
	for i, a := range t.Rank() {
		if a == asset {
			return i
		}
	}
	return len(t)
}
