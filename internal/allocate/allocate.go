// Package allocate turns free balances into discrete per-symbol order sizes.
package allocate

import (
	"sort"

	"github.com/shopspring/decimal"

	"auto-trader/internal/core"
)

var two = decimal.NewFromInt(2)

// BuyCandidate is one symbol competing for a share of the buy budget.
// OpenOrders is the symbol's current open buy-order count; Weight breaks ties
// inside a round (lower goes first).
type BuyCandidate struct {
	Symbol     string
	OpenOrders int
	Weight     int
}

// SplitBuyBudget distributes a free quote amount into per-symbol order sizes.
// Rounds go to the symbols currently tied for the fewest (existing plus newly
// allocated) open orders, so pressure evens out across symbols. Each order is
// one minimum, except that a remainder of less than two minimums is dumped
// into the symbol's final order. The per-symbol slices preserve allocation
// order; only the last element may exceed the minimum.
func SplitBuyBudget(free, minOrder decimal.Decimal, candidates []BuyCandidate) map[string][]decimal.Decimal {
	alloc := make(map[string][]decimal.Decimal)
	if minOrder.Cmp(decimal.Zero) <= 0 || len(candidates) == 0 {
		return alloc
	}
	counts := make([]BuyCandidate, len(candidates))
	copy(counts, candidates)

	remaining := free
	for remaining.Cmp(minOrder) >= 0 {
		round := tiedForFewest(counts)
		for _, idx := range round {
			if remaining.Cmp(minOrder) < 0 {
				break
			}
			amount := minOrder
			if remaining.Cmp(minOrder.Mul(two)) < 0 {
				amount = remaining
			}
			sym := counts[idx].Symbol
			alloc[sym] = append(alloc[sym], amount)
			counts[idx].OpenOrders++
			remaining = remaining.Sub(amount)
		}
	}
	return alloc
}

// tiedForFewest returns the indexes of the candidates sharing the lowest
// open-order count, ordered by weight then symbol for determinism.
func tiedForFewest(counts []BuyCandidate) []int {
	fewest := counts[0].OpenOrders
	for _, c := range counts[1:] {
		if c.OpenOrders < fewest {
			fewest = c.OpenOrders
		}
	}
	tied := make([]int, 0, len(counts))
	for i, c := range counts {
		if c.OpenOrders == fewest {
			tied = append(tied, i)
		}
	}
	sort.Slice(tied, func(a, b int) bool {
		ca, cb := counts[tied[a]], counts[tied[b]]
		if ca.Weight != cb.Weight {
			return ca.Weight < cb.Weight
		}
		return ca.Symbol < cb.Symbol
	})
	return tied
}

// SplitSellBudget carves a free base amount into step-aligned sell order
// quantities. The minimum order size (quote terms) converts to a step-aligned
// base quantity at the given price; a remainder below two minimums goes into
// the final order, and sub-step dust is left unallocated.
func SplitSellBudget(freeBase, minOrder, price, step decimal.Decimal) []decimal.Decimal {
	if price.Cmp(decimal.Zero) <= 0 || freeBase.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	minQty := core.RoundDown(minOrder.Div(price), step)
	if minQty.Cmp(decimal.Zero) <= 0 {
		// A single step is already worth more than one minimum order.
		minQty = step
	}
	if minQty.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	remaining := core.RoundDown(freeBase, step)

	var out []decimal.Decimal
	for remaining.Cmp(minQty) >= 0 {
		qty := minQty
		if remaining.Cmp(minQty.Mul(two)) < 0 {
			qty = remaining
		}
		out = append(out, qty)
		remaining = remaining.Sub(qty)
	}
	return out
}
