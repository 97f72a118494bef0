package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"auto-trader/internal/core"
)

// enqueueFill runs on the stream read goroutine, so it only queues. A
// full queue drops the event; the maintenance job converges the same
// position on its next tick.
func (e *Engine) enqueueFill(fill core.Fill) {
	if fill.Status != core.OrderFilled {
		return
	}
	select {
	case e.fills <- fill:
	default:
		log.WithFields(log.Fields{
			"symbol":   fill.Symbol,
			"order_id": fill.OrderID,
		}).Warn("fill queue full, dropping event")
	}
}

func (e *Engine) fillLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-e.fills:
			e.reactToFill(ctx, fill)
		}
	}
}

// reactToFill flips a completed order to the other side: a filled buy
// lists the bought quantity at a profit-marked ask, a filled sell bids
// the proceeds back below the fill. Fee-asset fills get no follow-up,
// the fee balance is working capital, not a position.
func (e *Engine) reactToFill(ctx context.Context, fill core.Fill) {
	logger := log.WithFields(log.Fields{
		"symbol":   fill.Symbol,
		"side":     fill.Side,
		"price":    fill.Price,
		"qty":      fill.Qty,
		"order_id": fill.OrderID,
	})
	r, err := e.rules.RulesFor(fill.Symbol)
	if err != nil {
		logger.WithError(err).Warn("fill for unknown symbol, no follow-up")
		return
	}
	if r.BaseAsset == e.cfg.Trading.FeeAsset {
		logger.Debug("fee asset fill, no follow-up")
		return
	}

	var req core.OrderRequest
	switch fill.Side {
	case core.Buy:
		price := core.SnapPriceDown(r, fill.Price.Mul(e.profitFactor(core.Sell)))
		req = core.OrderRequest{
			Symbol:      fill.Symbol,
			Side:        core.Sell,
			Type:        core.Limit,
			Price:       price,
			Qty:         fill.Qty,
			TimeInForce: core.GoodTillCanceled,
		}
	case core.Sell:
		price := core.SnapPriceDown(r, fill.Price.Mul(e.profitFactor(core.Buy)))
		if price.Cmp(decimal.Zero) <= 0 {
			logger.Warn("follow-up buy price snapped to zero, no follow-up")
			return
		}
		req = core.OrderRequest{
			Symbol:      fill.Symbol,
			Side:        core.Buy,
			Type:        core.Limit,
			Price:       price,
			Qty:         core.SnapQtyDown(r, fill.QuoteProceeds().Div(price)),
			TimeInForce: core.GoodTillCanceled,
		}
	default:
		return
	}
	logger.WithFields(log.Fields{
		"follow_side":  req.Side,
		"follow_price": req.Price,
		"follow_qty":   req.Qty,
	}).Info("reacting to fill")
	if err := e.submit(ctx, req, r); err != nil {
		logger.WithError(err).Error("fill follow-up failed")
	}
}

// submit validates and places one order. Validation rejections are
// logged and swallowed: an undersized or misaligned request is an
// expected outcome of quantization, not a fault.
func (e *Engine) submit(ctx context.Context, req core.OrderRequest, r core.Rules) error {
	logger := log.WithFields(log.Fields{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"price":  req.Price,
		"qty":    req.Qty,
	})
	if err := core.ValidateOrder(req, r); err != nil {
		logger.WithField("reason", err).Info("order dropped by validation")
		return nil
	}
	if err := e.breaker.AllowPlace(); err != nil {
		logger.WithError(err).Warn("order skipped, place circuit open")
		return nil
	}
	order, err := e.client.PlaceOrder(ctx, req)
	e.breaker.RecordPlace(err)
	if err != nil {
		// Rejections carry the exchange's numeric code; blind retry of a
		// rejected order is unsafe, so the error only propagates.
		if errors.Is(err, core.ErrInsufficientBalance) {
			logger.WithError(err).Warn("order rejected, insufficient balance")
			return nil
		}
		logger.WithError(err).Error("place order failed")
		return err
	}
	logger.WithField("order_id", order.ID).Info("order placed")
	return nil
}
