package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"auto-trader/internal/core"
	"auto-trader/internal/store"
)

// refreshRulesAndFunds is the medium-interval job: freshen the rules
// snapshot, replace the account snapshot wholesale, and report where the
// funds sit. Also the first thing the engine does at start-up.
func (e *Engine) refreshRulesAndFunds(ctx context.Context) error {
	if err := e.rules.EnsureFresh(ctx); err != nil {
		return err
	}
	balances, err := e.client.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("load account info: %w", err)
	}
	e.account.Replace(balances)

	prices, err := e.client.GetAllPrices(ctx)
	if err != nil {
		return fmt.Errorf("load prices for funds summary: %w", err)
	}
	summary := buildFundsSummary(e.cfg.Trading.QuoteAsset, balances, prices)
	if e.store != nil {
		if err := e.store.SaveFundsSummary(summary); err != nil {
			log.WithError(err).Warn("persist funds summary")
		}
	}
	log.WithFields(log.Fields{
		"quote_asset": summary.QuoteAsset,
		"quote_free":  summary.QuoteFree,
		"total_quote": summary.TotalQuote,
		"assets":      len(summary.Assets),
	}).Info("funds summary")
	if e.alerter != nil {
		e.alerter.Important("funds_summary", map[string]string{
			"quote_asset": summary.QuoteAsset,
			"quote_free":  summary.QuoteFree.String(),
			"total_quote": summary.TotalQuote.String(),
			"assets":      strconv.Itoa(len(summary.Assets)),
		})
	}
	return nil
}

// buildFundsSummary values every asset in quote terms using the direct
// <asset><quote> market. Assets with no direct market are listed with a
// zero value rather than dropped, so they still show up in the report.
func buildFundsSummary(quoteAsset string, balances []core.Balance, prices []core.SymbolPrice) store.FundsSummary {
	priceFor := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		priceFor[p.Symbol] = p.Price
	}
	summary := store.FundsSummary{
		QuoteAsset: quoteAsset,
		Assets:     make([]store.AssetFunds, 0, len(balances)),
	}
	for _, bal := range balances {
		if bal.Asset == quoteAsset {
			summary.QuoteFree = bal.Free
			summary.TotalQuote = summary.TotalQuote.Add(bal.Total())
			continue
		}
		value := decimal.Zero
		if price, ok := priceFor[bal.Asset+quoteAsset]; ok {
			value = bal.Total().Mul(price)
		}
		summary.Assets = append(summary.Assets, store.AssetFunds{
			Asset:      bal.Asset,
			Free:       bal.Free,
			Locked:     bal.Locked,
			QuoteValue: value,
		})
		summary.TotalQuote = summary.TotalQuote.Add(value)
	}
	return summary
}
