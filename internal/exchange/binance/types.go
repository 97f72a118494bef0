package binance

import (
	"strconv"

	"github.com/shopspring/decimal"

	"auto-trader/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is an exchange-side rejection carrying Binance's numeric code.
type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TransactTime  int64  `json:"transactTime"`
}

type openOrderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Time          int64  `json:"time"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type ticker24hResponse struct {
	Symbol    string `json:"symbol"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	LastPrice string `json:"lastPrice"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		MinPrice    string `json:"minPrice"`
		MaxPrice    string `json:"maxPrice"`
		TickSize    string `json:"tickSize"`
		MinQty      string `json:"minQty"`
		MaxQty      string `json:"maxQty"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
	} `json:"filters"`
}

func parseSymbolRules(src symbolInfoResponse) core.Rules {
	rules := core.Rules{
		Symbol:     src.Symbol,
		BaseAsset:  src.BaseAsset,
		QuoteAsset: src.QuoteAsset,
		Tradable:   src.Status == "TRADING",
	}
	setDec := func(dst *decimal.Decimal, raw string) {
		if raw == "" {
			return
		}
		if v, err := decimal.NewFromString(raw); err == nil {
			*dst = v
		}
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			setDec(&rules.MinPrice, f.MinPrice)
			setDec(&rules.MaxPrice, f.MaxPrice)
			setDec(&rules.PriceTick, f.TickSize)
		case "LOT_SIZE":
			setDec(&rules.MinQty, f.MinQty)
			setDec(&rules.MaxQty, f.MaxQty)
			setDec(&rules.QtyStep, f.StepSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			// Keep the stricter minimum if both filters are present.
			if f.MinNotional != "" {
				if v, err := decimal.NewFromString(f.MinNotional); err == nil && v.Cmp(rules.MinNotional) > 0 {
					rules.MinNotional = v
				}
			}
		}
	}
	return rules
}
