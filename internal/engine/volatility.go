package engine

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"auto-trader/internal/indicator"
)

// refreshVolatility recomputes the per-asset dispersion table from recent
// candles. The table only weighs buy allocation and reporting, so a
// partial result (some symbols failed) is still swapped in.
func (e *Engine) refreshVolatility(ctx context.Context) error {
	bases := e.rules.BaseAssetsFor(e.cfg.Trading.QuoteAsset, e.cfg.Trading.FeeAsset)
	if len(bases) == 0 {
		return nil
	}
	window := e.cfg.Volatility.Window
	interval := e.cfg.Volatility.CandleInterval

	table := indicator.Table{}
	var mu sync.Mutex
	err := runPerSymbol(bases, func(base string) error {
		symbol := base + e.cfg.Trading.QuoteAsset
		candles, err := e.client.GetCandles(ctx, symbol, interval, window+1)
		if err != nil {
			return fmt.Errorf("load candles: %w", err)
		}
		score, err := indicator.Volatility(candles, window)
		if err != nil {
			return err
		}
		mu.Lock()
		table[base] = score
		mu.Unlock()
		return nil
	})

	if len(table) > 0 {
		e.setVolatility(table)
		if e.store != nil {
			if saveErr := e.store.SaveVolatility(table); saveErr != nil {
				log.WithError(saveErr).Warn("persist volatility table")
			}
		}
		log.WithField("assets", len(table)).Debug("volatility table refreshed")
	}
	return err
}
