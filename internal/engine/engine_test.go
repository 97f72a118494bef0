package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"auto-trader/internal/config"
	"auto-trader/internal/core"
	"auto-trader/internal/exchange"
)

type fakeClient struct {
	mu         sync.Mutex
	balances   []core.Balance
	rulesList  []core.Rules
	prices     []core.SymbolPrice
	tickers    map[string]core.Ticker
	openOrders []core.Order
	candles    map[string][]core.Candle
	placed     []core.OrderRequest
	cancelled  []string
	placeErr   error
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) GetAccountInfo(ctx context.Context) ([]core.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Balance(nil), f.balances...), nil
}

func (f *fakeClient) LoadTradingRules(ctx context.Context) ([]core.Rules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Rules(nil), f.rulesList...), nil
}

func (f *fakeClient) GetAllPrices(ctx context.Context) ([]core.SymbolPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SymbolPrice(nil), f.prices...), nil
}

func (f *fakeClient) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[symbol]
	if !ok {
		return core.Ticker{}, errors.New("unknown symbol")
	}
	return t, nil
}

func (f *fakeClient) GetCurrentOpenOrders(ctx context.Context) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Order(nil), f.openOrders...), nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return core.Order{ID: "1", Symbol: req.Symbol, Side: req.Side, Status: core.OrderNew}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Candle(nil), f.candles[symbol]...), nil
}

func (f *fakeClient) StartUserStream(ctx context.Context) (string, error) { return "token", nil }
func (f *fakeClient) KeepAliveUserStream(ctx context.Context, token string) error {
	return nil
}
func (f *fakeClient) CloseUserStream(ctx context.Context, token string) error { return nil }
func (f *fakeClient) ListenUserData(ctx context.Context, token string, handlers exchange.StreamHandlers) (<-chan error, error) {
	return make(chan error), nil
}

func (f *fakeClient) placedOrders() []core.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.OrderRequest(nil), f.placed...)
}

func (f *fakeClient) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() config.Config {
	return config.Config{
		InstanceID: "test",
		Trading: config.TradingConfig{
			QuoteAsset:         "BTC",
			FeeAsset:           "BNB",
			ProfitRatio:        config.Decimal{Decimal: dec("2")},
			MinOrderSize:       config.Decimal{Decimal: dec("0.001")},
			OrderExpirationMin: 60,
		},
		Jobs: config.JobsConfig{
			MaintainIntervalSec:     60,
			RefreshIntervalSec:      300,
			VolatilityIntervalSec:   600,
			StreamHealthIntervalSec: 60,
			MaxRunSec:               55,
			StreamIdleMaxSec:        300,
		},
		Rules:      config.RulesConfig{TTLSec: 300},
		Volatility: config.VolatilityConfig{CandleInterval: "15m", Window: 4},
	}
}

func ethRules() core.Rules {
	return core.Rules{
		Symbol:      "ETHBTC",
		BaseAsset:   "ETH",
		QuoteAsset:  "BTC",
		Tradable:    true,
		PriceTick:   dec("0.000001"),
		QtyStep:     dec("0.001"),
		MinNotional: dec("0.0001"),
	}
}

func newTestEngine(t *testing.T, client *fakeClient) *Engine {
	t.Helper()
	e := New(testConfig(), client, nil, nil)
	if err := e.rules.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	return e
}

func TestReactToBuyFillPlacesProfitSell(t *testing.T) {
	client := &fakeClient{rulesList: []core.Rules{ethRules()}}
	e := newTestEngine(t, client)

	e.reactToFill(context.Background(), core.Fill{
		Symbol: "ETHBTC",
		Side:   core.Buy,
		Price:  dec("0.020000"),
		Qty:    dec("1.5"),
		Status: core.OrderFilled,
	})

	placed := client.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(placed))
	}
	got := placed[0]
	if got.Side != core.Sell || got.Type != core.Limit {
		t.Fatalf("follow-up = %s %s, want SELL LIMIT", got.Side, got.Type)
	}
	// 0.02 * 1.02 = 0.0204, already tick aligned.
	if !got.Price.Equal(dec("0.0204")) {
		t.Fatalf("price = %s, want 0.0204", got.Price)
	}
	if !got.Qty.Equal(dec("1.5")) {
		t.Fatalf("qty = %s, want same as fill", got.Qty)
	}
}

func TestReactToSellFillPlacesBuyBack(t *testing.T) {
	client := &fakeClient{rulesList: []core.Rules{ethRules()}}
	e := newTestEngine(t, client)

	e.reactToFill(context.Background(), core.Fill{
		Symbol: "ETHBTC",
		Side:   core.Sell,
		Price:  dec("0.02"),
		Qty:    dec("2"),
		Status: core.OrderFilled,
	})

	placed := client.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(placed))
	}
	got := placed[0]
	if got.Side != core.Buy {
		t.Fatalf("follow-up side = %s, want BUY", got.Side)
	}
	// 0.02 * 0.98 = 0.0196; proceeds 0.04 / 0.0196 = 2.0408... → 2.040.
	if !got.Price.Equal(dec("0.0196")) {
		t.Fatalf("price = %s, want 0.0196", got.Price)
	}
	if !got.Qty.Equal(dec("2.040")) {
		t.Fatalf("qty = %s, want 2.040", got.Qty)
	}
}

func TestFeeAssetFillIgnored(t *testing.T) {
	bnbRules := core.Rules{
		Symbol: "BNBBTC", BaseAsset: "BNB", QuoteAsset: "BTC", Tradable: true,
		PriceTick: dec("0.0000001"), QtyStep: dec("0.01"),
	}
	client := &fakeClient{rulesList: []core.Rules{bnbRules}}
	e := newTestEngine(t, client)

	e.reactToFill(context.Background(), core.Fill{
		Symbol: "BNBBTC",
		Side:   core.Buy,
		Price:  dec("0.008"),
		Qty:    dec("1"),
		Status: core.OrderFilled,
	})
	if placed := client.placedOrders(); len(placed) != 0 {
		t.Fatalf("placed = %d orders, want none for fee asset fill", len(placed))
	}
}

func TestSubmitDropsValidationRejections(t *testing.T) {
	client := &fakeClient{rulesList: []core.Rules{ethRules()}}
	e := newTestEngine(t, client)

	req := core.OrderRequest{
		Symbol:      "ETHBTC",
		Side:        core.Sell,
		Type:        core.Limit,
		Price:       dec("0.0000005"), // below one tick, misaligned
		Qty:         dec("1"),
		TimeInForce: core.GoodTillCanceled,
	}
	if err := e.submit(context.Background(), req, ethRules()); err != nil {
		t.Fatalf("submit() error = %v, want rejection swallowed", err)
	}
	if placed := client.placedOrders(); len(placed) != 0 {
		t.Fatalf("placed = %d orders, want none", len(placed))
	}
}

func TestCancelExpiredSkipsNonTradable(t *testing.T) {
	halted := ethRules()
	halted.Symbol = "LTCBTC"
	halted.BaseAsset = "LTC"
	halted.Tradable = false
	client := &fakeClient{rulesList: []core.Rules{ethRules(), halted}}
	e := newTestEngine(t, client)

	old := time.Now().Add(-2 * time.Hour)
	open := []core.Order{
		{ID: "10", Symbol: "ETHBTC", Side: core.Buy, CreatedAt: old},
		{ID: "11", Symbol: "LTCBTC", Side: core.Buy, CreatedAt: old},
		{ID: "12", Symbol: "ETHBTC", Side: core.Sell, CreatedAt: time.Now()},
	}
	if err := e.cancelExpired(context.Background(), open); err != nil {
		t.Fatalf("cancelExpired() error = %v", err)
	}
	cancelled := client.cancelledIDs()
	if len(cancelled) != 1 || cancelled[0] != "10" {
		t.Fatalf("cancelled = %v, want only order 10", cancelled)
	}
}

func TestPlaceBuysFollowsAllocation(t *testing.T) {
	client := &fakeClient{
		rulesList: []core.Rules{ethRules()},
		balances:  []core.Balance{{Asset: "BTC", Free: dec("0.0025")}},
		tickers: map[string]core.Ticker{
			"ETHBTC": {Symbol: "ETHBTC", BidPrice: dec("0.02"), AskPrice: dec("0.0201")},
		},
	}
	e := newTestEngine(t, client)
	e.account.Replace(client.balances)

	if err := e.placeBuys(context.Background(), nil); err != nil {
		t.Fatalf("placeBuys() error = %v", err)
	}
	placed := client.placedOrders()
	// 0.0025 budget with 0.001 minimum: one 0.001 order, then the
	// 0.0015 remainder dumped into the final order.
	if len(placed) != 2 {
		t.Fatalf("placed = %d orders, want 2", len(placed))
	}
	wantPrice := dec("0.0196") // 0.02 * 0.98
	for _, ord := range placed {
		if ord.Side != core.Buy || !ord.Price.Equal(wantPrice) {
			t.Fatalf("order = %+v, want BUY at %s", ord, wantPrice)
		}
	}
	// 0.001/0.0196 = 0.05102... → 0.051; 0.0015/0.0196 = 0.07653... → 0.076.
	if !placed[0].Qty.Equal(dec("0.051")) || !placed[1].Qty.Equal(dec("0.076")) {
		t.Fatalf("quantities = %s, %s, want 0.051 and 0.076", placed[0].Qty, placed[1].Qty)
	}
}

func TestPlaceSellsCarvesFreeBalance(t *testing.T) {
	client := &fakeClient{
		rulesList: []core.Rules{ethRules()},
		balances: []core.Balance{
			{Asset: "ETH", Free: dec("0.2")},
			{Asset: "BNB", Free: dec("5")},
		},
		tickers: map[string]core.Ticker{
			"ETHBTC": {Symbol: "ETHBTC", BidPrice: dec("0.0199"), AskPrice: dec("0.02")},
		},
	}
	e := newTestEngine(t, client)
	e.account.Replace(client.balances)

	if err := e.placeSells(context.Background()); err != nil {
		t.Fatalf("placeSells() error = %v", err)
	}
	placed := client.placedOrders()
	if len(placed) == 0 {
		t.Fatal("no sell orders placed")
	}
	wantPrice := dec("0.0204") // 0.02 * 1.02
	total := decimal.Zero
	for _, ord := range placed {
		if ord.Symbol != "ETHBTC" || ord.Side != core.Sell {
			t.Fatalf("unexpected order %+v", ord)
		}
		if !ord.Price.Equal(wantPrice) {
			t.Fatalf("price = %s, want %s", ord.Price, wantPrice)
		}
		total = total.Add(ord.Qty)
	}
	if total.Cmp(dec("0.2")) > 0 {
		t.Fatalf("allocated %s, exceeds free balance", total)
	}
}

func TestTopUpFeeAssetPlacesMarketBuy(t *testing.T) {
	bnbRules := core.Rules{
		Symbol: "BNBBTC", BaseAsset: "BNB", QuoteAsset: "BTC", Tradable: true,
		PriceTick: dec("0.0000001"), QtyStep: dec("0.01"), MinNotional: dec("0.0001"),
	}
	client := &fakeClient{
		rulesList: []core.Rules{bnbRules},
		balances:  []core.Balance{{Asset: "BNB", Free: dec("0.05")}},
		tickers: map[string]core.Ticker{
			"BNBBTC": {Symbol: "BNBBTC", BidPrice: dec("0.0079"), AskPrice: dec("0.008")},
		},
	}
	cfg := testConfig()
	cfg.Trading.FeeAssetMinBalance = config.Decimal{Decimal: dec("0.1")}
	cfg.Trading.FeeAssetTopup = config.Decimal{Decimal: dec("0.004")}
	e := New(cfg, client, nil, nil)
	if err := e.rules.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	e.account.Replace(client.balances)

	if err := e.topUpFeeAsset(context.Background()); err != nil {
		t.Fatalf("topUpFeeAsset() error = %v", err)
	}
	placed := client.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(placed))
	}
	got := placed[0]
	if got.Symbol != "BNBBTC" || got.Side != core.Buy || got.Type != core.Market {
		t.Fatalf("order = %+v, want market buy on BNBBTC", got)
	}
	// 0.004 / 0.008 = 0.5, already step aligned.
	if !got.Qty.Equal(dec("0.5")) {
		t.Fatalf("qty = %s, want 0.5", got.Qty)
	}
}

func TestTopUpSkippedWhenBalanceSufficient(t *testing.T) {
	client := &fakeClient{rulesList: []core.Rules{ethRules()}}
	cfg := testConfig()
	cfg.Trading.FeeAssetMinBalance = config.Decimal{Decimal: dec("0.1")}
	cfg.Trading.FeeAssetTopup = config.Decimal{Decimal: dec("0.004")}
	e := New(cfg, client, nil, nil)
	e.account.Replace([]core.Balance{{Asset: "BNB", Free: dec("1")}})

	if err := e.topUpFeeAsset(context.Background()); err != nil {
		t.Fatalf("topUpFeeAsset() error = %v", err)
	}
	if placed := client.placedOrders(); len(placed) != 0 {
		t.Fatalf("placed = %d orders, want none", len(placed))
	}
}

func TestStartupRetryHonorsCancellation(t *testing.T) {
	e := New(testConfig(), &fakeClient{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := e.startupRetry(ctx, "probe", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("startupRetry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancellation)", calls)
	}
}

func TestRefreshRulesAndFundsReplacesAccount(t *testing.T) {
	client := &fakeClient{
		rulesList: []core.Rules{ethRules()},
		balances: []core.Balance{
			{Asset: "BTC", Free: dec("0.5")},
			{Asset: "ETH", Free: dec("2"), Locked: dec("1")},
		},
		prices: []core.SymbolPrice{{Symbol: "ETHBTC", Price: dec("0.02")}},
	}
	e := New(testConfig(), client, nil, nil)

	if err := e.refreshRulesAndFunds(context.Background()); err != nil {
		t.Fatalf("refreshRulesAndFunds() error = %v", err)
	}
	bal, err := e.account.Get("ETH")
	if err != nil {
		t.Fatalf("account.Get(ETH) error = %v", err)
	}
	if !bal.Free.Equal(dec("2")) {
		t.Fatalf("ETH free = %s, want 2", bal.Free)
	}
	if _, err := e.rules.RulesFor("ETHBTC"); err != nil {
		t.Fatalf("RulesFor(ETHBTC) error = %v", err)
	}
}

func TestBuildFundsSummary(t *testing.T) {
	summary := buildFundsSummary("BTC",
		[]core.Balance{
			{Asset: "BTC", Free: dec("0.5"), Locked: dec("0.1")},
			{Asset: "ETH", Free: dec("2")},
			{Asset: "XYZ", Free: dec("10")}, // no direct market
		},
		[]core.SymbolPrice{{Symbol: "ETHBTC", Price: dec("0.02")}},
	)
	if !summary.QuoteFree.Equal(dec("0.5")) {
		t.Fatalf("QuoteFree = %s, want 0.5", summary.QuoteFree)
	}
	// 0.6 quote total + 2 * 0.02 valued ETH, XYZ valued at zero.
	if !summary.TotalQuote.Equal(dec("0.64")) {
		t.Fatalf("TotalQuote = %s, want 0.64", summary.TotalQuote)
	}
	if len(summary.Assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(summary.Assets))
	}
}

func TestRefreshVolatilityRanksAssets(t *testing.T) {
	mkCandles := func(closes ...string) []core.Candle {
		out := make([]core.Candle, len(closes))
		for i, c := range closes {
			out[i] = core.Candle{Close: dec(c)}
		}
		return out
	}
	client := &fakeClient{
		rulesList: []core.Rules{ethRules(), {
			Symbol: "LTCBTC", BaseAsset: "LTC", QuoteAsset: "BTC", Tradable: true,
			PriceTick: dec("0.000001"), QtyStep: dec("0.01"),
		}},
		candles: map[string][]core.Candle{
			"ETHBTC": mkCandles("10", "10.1", "9.9", "10.2", "10.0"),
			"LTCBTC": mkCandles("5", "5.01", "4.99", "5.02", "5.0"),
		},
	}
	e := newTestEngine(t, client)

	if err := e.refreshVolatility(context.Background()); err != nil {
		t.Fatalf("refreshVolatility() error = %v", err)
	}
	table := e.volatility()
	if len(table) != 2 {
		t.Fatalf("table = %d entries, want 2", len(table))
	}
	if table.RankOf("ETH") != 0 {
		t.Fatalf("ETH rank = %d, want 0 (most volatile)", table.RankOf("ETH"))
	}
}
