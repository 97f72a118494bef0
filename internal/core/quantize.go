package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Rejection reasons returned by ValidateOrder. A rejection is a normal
// control-flow outcome: the caller logs the request and drops it.
var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrPriceBelowMin    = errors.New("price below min")
	ErrPriceAboveMax    = errors.New("price above max")
	ErrPriceNotAligned  = errors.New("price not aligned to tick")
	ErrQtyBelowMin      = errors.New("qty below min")
	ErrQtyAboveMax      = errors.New("qty above max")
	ErrQtyNotAligned    = errors.New("qty not aligned to step")
	ErrBelowMinNotional = errors.New("notional below min")
)

// RoundDown snaps value down to the nearest multiple of step.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundUp snaps value up to the nearest multiple of step.
func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// SnapPriceDown snaps price down to the symbol's tick size.
func SnapPriceDown(rules Rules, price decimal.Decimal) decimal.Decimal {
	return RoundDown(price, rules.PriceTick)
}

// SnapQtyDown snaps qty down to the symbol's step size.
func SnapQtyDown(rules Rules, qty decimal.Decimal) decimal.Decimal {
	return RoundDown(qty, rules.QtyStep)
}

// MinQtyForNotional returns the smallest step-aligned quantity whose notional
// at the given price satisfies the symbol's minimum. The raw ratio is rounded
// up to the next step multiple: rounding down here would silently violate the
// exchange minimum.
func MinQtyForNotional(rules Rules, price decimal.Decimal) decimal.Decimal {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	raw := rules.MinNotional.Div(price)
	return RoundUp(raw, rules.QtyStep)
}

// ValidateOrder checks an order request against the symbol's rules. A min or
// max bound of zero disables that bound. The returned error is one of the
// rejection sentinels above, never a fault.
func ValidateOrder(req OrderRequest, rules Rules) error {
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return ErrInvalidOrder
	}
	if (rules.MinQty.Cmp(decimal.Zero) > 0) && req.Qty.Cmp(rules.MinQty) < 0 {
		return ErrQtyBelowMin
	}
	if (rules.MaxQty.Cmp(decimal.Zero) > 0) && req.Qty.Cmp(rules.MaxQty) > 0 {
		return ErrQtyAboveMax
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		offset := req.Qty.Sub(rules.MinQty)
		if !offset.Mod(rules.QtyStep).IsZero() {
			return ErrQtyNotAligned
		}
	}
	if req.Type == Market {
		// Market orders carry no price; the notional check only applies when
		// the caller supplied a reference price.
		if req.Price.Cmp(decimal.Zero) > 0 && rules.MinNotional.Cmp(decimal.Zero) > 0 {
			if req.Price.Mul(req.Qty).Cmp(rules.MinNotional) < 0 {
				return ErrBelowMinNotional
			}
		}
		return nil
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return ErrInvalidOrder
	}
	if (rules.MinPrice.Cmp(decimal.Zero) > 0) && req.Price.Cmp(rules.MinPrice) < 0 {
		return ErrPriceBelowMin
	}
	if (rules.MaxPrice.Cmp(decimal.Zero) > 0) && req.Price.Cmp(rules.MaxPrice) > 0 {
		return ErrPriceAboveMax
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 && !req.Price.Mod(rules.PriceTick).IsZero() {
		return ErrPriceNotAligned
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		if req.Price.Mul(req.Qty).Cmp(rules.MinNotional) < 0 {
			return ErrBelowMinNotional
		}
	}
	return nil
}
