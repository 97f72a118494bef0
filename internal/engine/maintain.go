package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"auto-trader/internal/allocate"
	"auto-trader/internal/core"
)

// maintainOrders is the short-interval job. Phases run in order: expire
// old orders, top up the fee asset, place sells, place buys. A failing
// phase is collected, not fatal, so the remaining phases still run and
// the next tick gets a clean retry.
func (e *Engine) maintainOrders(ctx context.Context) error {
	open, err := e.client.GetCurrentOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	var errs []error
	if err := e.cancelExpired(ctx, open); err != nil {
		errs = append(errs, fmt.Errorf("cancel expired: %w", err))
	}
	if err := e.topUpFeeAsset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fee top-up: %w", err))
	}
	if err := e.placeSells(ctx); err != nil {
		errs = append(errs, fmt.Errorf("place sells: %w", err))
	}
	if err := e.placeBuys(ctx, open); err != nil {
		errs = append(errs, fmt.Errorf("place buys: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) cancelExpired(ctx context.Context, open []core.Order) error {
	expiration := time.Duration(e.cfg.Trading.OrderExpirationMin) * time.Minute
	cutoff := time.Now().Add(-expiration)

	expired := make(map[string][]core.Order)
	for _, ord := range open {
		if ord.CreatedAt.IsZero() || ord.CreatedAt.After(cutoff) {
			continue
		}
		r, err := e.rules.RulesFor(ord.Symbol)
		if err != nil || !r.Tradable {
			// Cancelling on a halted symbol is rejected by the exchange;
			// the order is revisited once trading resumes.
			log.WithFields(log.Fields{
				"symbol":   ord.Symbol,
				"order_id": ord.ID,
			}).Debug("skipping expired order on non-tradable symbol")
			continue
		}
		expired[ord.Symbol] = append(expired[ord.Symbol], ord)
	}

	symbols := make([]string, 0, len(expired))
	for sym := range expired {
		symbols = append(symbols, sym)
	}
	return runPerSymbol(symbols, func(symbol string) error {
		var errs []error
		for _, ord := range expired[symbol] {
			if err := e.breaker.AllowCancel(); err != nil {
				errs = append(errs, err)
				break
			}
			err := e.client.CancelOrder(ctx, ord.Symbol, ord.ID)
			if errors.Is(err, core.ErrOrderNotFound) {
				// Filled or cancelled since the open-orders snapshot.
				err = nil
			}
			e.breaker.RecordCancel(err)
			if err != nil {
				errs = append(errs, fmt.Errorf("cancel order %s: %w", ord.ID, err))
				continue
			}
			log.WithFields(log.Fields{
				"symbol":   ord.Symbol,
				"order_id": ord.ID,
				"age":      time.Since(ord.CreatedAt).Round(time.Minute),
			}).Info("expired order cancelled")
		}
		return errors.Join(errs...)
	})
}

// topUpFeeAsset buys a fixed quote amount of the fee asset via a market
// order once its free balance falls under the configured floor. Without
// fee-asset balance every fill starts eating into the traded assets.
func (e *Engine) topUpFeeAsset(ctx context.Context) error {
	minBal := e.cfg.Trading.FeeAssetMinBalance.Decimal
	topup := e.cfg.Trading.FeeAssetTopup.Decimal
	if minBal.Cmp(decimal.Zero) <= 0 || topup.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	bal, err := e.account.Get(e.cfg.Trading.FeeAsset)
	if err != nil {
		// No snapshot yet; the refresh job fills it in.
		return nil
	}
	if bal.Free.Cmp(minBal) >= 0 {
		return nil
	}

	symbol := e.cfg.Trading.FeeAsset + e.cfg.Trading.QuoteAsset
	r, err := e.rules.RulesFor(symbol)
	if err != nil {
		return fmt.Errorf("fee asset market %s: %w", symbol, err)
	}
	if !r.Tradable {
		log.WithField("symbol", symbol).Warn("fee asset market not tradable, skipping top-up")
		return nil
	}
	ticker, err := e.client.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fee asset ticker: %w", err)
	}
	price := ticker.AskPrice
	if price.Cmp(decimal.Zero) <= 0 {
		price = ticker.Last
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("fee asset %s has no usable price", symbol)
	}

	qty := core.RoundUp(topup.Div(price), r.QtyStep)
	if minQty := core.MinQtyForNotional(r, price); qty.Cmp(minQty) < 0 {
		qty = minQty
	}
	req := core.OrderRequest{
		Symbol: symbol,
		Side:   core.Buy,
		Type:   core.Market,
		Price:  price, // reference only, market orders carry no price
		Qty:    qty,
	}
	log.WithFields(log.Fields{
		"symbol":   symbol,
		"free":     bal.Free,
		"floor":    minBal,
		"topup":    topup,
		"quantity": qty,
	}).Info("fee asset below floor, topping up")
	return e.submit(ctx, req, r)
}

// placeSells lists every non-quote, non-fee asset with free balance at a
// profit-marked ask price, carved into minimum-sized orders.
func (e *Engine) placeSells(ctx context.Context) error {
	quote := e.cfg.Trading.QuoteAsset
	free := make(map[string]decimal.Decimal)
	var symbols []string
	for _, bal := range e.account.All() {
		if bal.Asset == quote || bal.Asset == e.cfg.Trading.FeeAsset {
			continue
		}
		if bal.Free.Cmp(decimal.Zero) <= 0 {
			continue
		}
		symbol := bal.Asset + quote
		r, err := e.rules.RulesFor(symbol)
		if err != nil || !r.Tradable {
			continue
		}
		free[symbol] = bal.Free
		symbols = append(symbols, symbol)
	}

	return runPerSymbol(symbols, func(symbol string) error {
		r, err := e.rules.RulesFor(symbol)
		if err != nil {
			return err
		}
		ticker, err := e.client.GetTicker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("ticker: %w", err)
		}
		ask := ticker.AskPrice
		if ask.Cmp(decimal.Zero) <= 0 {
			ask = ticker.Last
		}
		if ask.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("no usable ask price")
		}
		price := core.SnapPriceDown(r, ask.Mul(e.profitFactor(core.Sell)))
		quantities := allocate.SplitSellBudget(free[symbol], e.cfg.Trading.MinOrderSize.Decimal, price, r.QtyStep)
		var errs []error
		for _, qty := range quantities {
			req := core.OrderRequest{
				Symbol:      symbol,
				Side:        core.Sell,
				Type:        core.Limit,
				Price:       price,
				Qty:         qty,
				TimeInForce: core.GoodTillCanceled,
			}
			if err := e.submit(ctx, req, r); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// placeBuys spends the free quote balance across the tradable universe,
// fewest-open-orders first, volatility rank breaking ties.
func (e *Engine) placeBuys(ctx context.Context, open []core.Order) error {
	quote := e.cfg.Trading.QuoteAsset
	freeQuote := e.account.Free(quote).Free
	minOrder := e.cfg.Trading.MinOrderSize.Decimal
	if freeQuote.Cmp(minOrder) < 0 {
		return nil
	}

	openCount := make(map[string]int)
	for _, ord := range open {
		openCount[ord.Symbol]++
	}
	vol := e.volatility()
	var candidates []allocate.BuyCandidate
	for _, base := range e.rules.BaseAssetsFor(quote, e.cfg.Trading.FeeAsset) {
		symbol := base + quote
		candidates = append(candidates, allocate.BuyCandidate{
			Symbol:     symbol,
			OpenOrders: openCount[symbol],
			Weight:     vol.RankOf(base),
		})
	}
	plan := allocate.SplitBuyBudget(freeQuote, minOrder, candidates)
	if len(plan) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(plan))
	for sym := range plan {
		symbols = append(symbols, sym)
	}
	return runPerSymbol(symbols, func(symbol string) error {
		r, err := e.rules.RulesFor(symbol)
		if err != nil {
			return err
		}
		ticker, err := e.client.GetTicker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("ticker: %w", err)
		}
		bid := ticker.BidPrice
		if bid.Cmp(decimal.Zero) <= 0 {
			bid = ticker.Last
		}
		if bid.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("no usable bid price")
		}
		price := core.SnapPriceDown(r, bid.Mul(e.profitFactor(core.Buy)))
		if price.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("buy price snapped to zero")
		}
		var errs []error
		for _, amount := range plan[symbol] {
			qty := core.SnapQtyDown(r, amount.Div(price))
			req := core.OrderRequest{
				Symbol:      symbol,
				Side:        core.Buy,
				Type:        core.Limit,
				Price:       price,
				Qty:         qty,
				TimeInForce: core.GoodTillCanceled,
			}
			if err := e.submit(ctx, req, r); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
