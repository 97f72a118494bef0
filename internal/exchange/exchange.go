// Package exchange defines the abstract client the engine trades through.
package exchange

import (
	"context"

	"auto-trader/internal/core"
)

// StreamHandlers receive parsed user-stream events in arrival order.
type StreamHandlers struct {
	OnAccountUpdate func(balances []core.Balance)
	OnExecution     func(fill core.Fill)
}

// Client is the exchange collaborator. Every call may fail with a transport
// error or a typed exchange error carrying the exchange's numeric code.
type Client interface {
	Name() string

	GetAccountInfo(ctx context.Context) ([]core.Balance, error)
	LoadTradingRules(ctx context.Context) ([]core.Rules, error)
	GetAllPrices(ctx context.Context) ([]core.SymbolPrice, error)
	GetTicker(ctx context.Context, symbol string) (core.Ticker, error)
	GetCurrentOpenOrders(ctx context.Context) ([]core.Order, error)
	PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error)

	UserStream
}

// UserStream manages the exchange's push-event session. The session token
// (listen key) authorizes the connection and must be renewed periodically.
type UserStream interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context, token string) error
	CloseUserStream(ctx context.Context, token string) error
	// ListenUserData opens the push connection for the token and dispatches
	// events to the handlers until the connection dies or ctx is cancelled.
	// The returned channel yields the terminal error and is then closed.
	ListenUserData(ctx context.Context, token string, handlers StreamHandlers) (<-chan error, error)
}
