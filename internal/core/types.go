package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	GoodTillCanceled  TimeInForce = "GTC"
	ImmediateOrCancel TimeInForce = "IOC"
)

// OrderRequest is an order the engine wants to place. Price and Qty must
// satisfy the symbol's Rules before submission; see ValidateOrder.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Qty         decimal.Decimal
	TimeInForce TimeInForce
}

// Order is an order the exchange has accepted.
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// Fill is a terminal execution event pushed over the user stream.
type Fill struct {
	OrderID string
	TradeID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Status  OrderStatus
	Time    time.Time
}

// QuoteProceeds is the quote-currency value of the fill.
func (f Fill) QuoteProceeds() decimal.Decimal {
	return f.Price.Mul(f.Qty)
}

// Rules holds the exchange-published trading constraints for one symbol.
// A zero min/max bound disables that bound.
type Rules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	Tradable    bool
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
}

// Balance is one asset's free/locked amounts.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

type SymbolPrice struct {
	Symbol string
	Price  decimal.Decimal
}

// Ticker is a 24h book snapshot for one symbol.
type Ticker struct {
	Symbol   string
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	Last     decimal.Decimal
}

type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}
