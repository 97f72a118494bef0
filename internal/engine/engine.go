// Package engine runs the unattended trading loop: four recurring jobs
// plus a fill-reaction worker fed by the exchange's push stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"auto-trader/internal/account"
	"auto-trader/internal/alert"
	"auto-trader/internal/config"
	"auto-trader/internal/core"
	"auto-trader/internal/exchange"
	"auto-trader/internal/indicator"
	"auto-trader/internal/rules"
	"auto-trader/internal/safety"
	"auto-trader/internal/store"
	"auto-trader/internal/stream"
)

var startupBackoffs = []time.Duration{time.Second, 30 * time.Second, time.Minute}

const fillQueueSize = 256

type Engine struct {
	cfg     config.Config
	client  exchange.Client
	rules   *rules.Cache
	account *account.State
	session *stream.Session
	breaker *safety.Breaker
	alerter alert.Alerter
	store   *store.Store

	// Fills are queued and consumed by a single worker so reactions run
	// in arrival order.
	fills chan core.Fill

	volMu sync.RWMutex
	vol   indicator.Table

	startedAt time.Time
}

func New(cfg config.Config, client exchange.Client, st *store.Store, alerter alert.Alerter) *Engine {
	e := &Engine{
		cfg:     cfg,
		client:  client,
		store:   st,
		alerter: alerter,
		account: account.NewState(),
		rules:   rules.NewCache(client, time.Duration(cfg.Rules.TTLSec)*time.Second),
		fills:   make(chan core.Fill, fillQueueSize),
		vol:     indicator.Table{},
	}
	e.breaker = safety.NewBreaker(safety.Limits{
		MaxPlaceFailures:     cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures:    cfg.CircuitBreaker.MaxCancelFailures,
		MaxReconnectFailures: cfg.CircuitBreaker.MaxReconnectFailures,
		CooldownSec:          int(cfg.CircuitBreaker.CooldownSec),
	}, alerter)
	e.session = stream.NewSession(client, exchange.StreamHandlers{
		OnAccountUpdate: e.account.ApplyDelta,
		OnExecution:     e.enqueueFill,
	})
	return e
}

// Run blocks until ctx is cancelled. Start-up (first rules+funds load
// and the first stream connect) is retried with bounded backoff; once
// past that, failures are handled per job iteration.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now().UTC()

	if err := e.startupRetry(ctx, "rules and funds", e.refreshRulesAndFunds); err != nil {
		e.persistStatus("failed", err)
		return err
	}
	if err := e.startupRetry(ctx, "user stream", e.session.Start); err != nil {
		e.persistStatus("failed", err)
		return err
	}
	e.persistStatus("running", nil)
	log.WithFields(log.Fields{
		"quote_asset": e.cfg.Trading.QuoteAsset,
		"fee_asset":   e.cfg.Trading.FeeAsset,
		"exchange":    e.client.Name(),
	}).Info("engine running")

	jobs := []job{
		{
			name:     "order_maintenance",
			interval: time.Duration(e.cfg.Jobs.MaintainIntervalSec) * time.Second,
			maxRun:   time.Duration(e.cfg.Jobs.MaxRunSec) * time.Second,
			run:      e.maintainOrders,
		},
		{
			name:     "rules_funds_refresh",
			interval: time.Duration(e.cfg.Jobs.RefreshIntervalSec) * time.Second,
			maxRun:   time.Duration(e.cfg.Jobs.MaxRunSec) * time.Second,
			run:      e.refreshRulesAndFunds,
		},
		{
			name:     "volatility_ranking",
			interval: time.Duration(e.cfg.Jobs.VolatilityIntervalSec) * time.Second,
			maxRun:   time.Duration(e.cfg.Jobs.MaxRunSec) * time.Second,
			run:      e.refreshVolatility,
		},
		{
			name:     "stream_health",
			interval: time.Duration(e.cfg.Jobs.StreamHealthIntervalSec) * time.Second,
			maxRun:   time.Duration(e.cfg.Jobs.MaxRunSec) * time.Second,
			run:      e.checkStreamHealth,
		},
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			j.loop(ctx)
		}(j)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.fillLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	e.session.Stop()
	e.persistStatus("stopped", nil)
	log.Info("engine stopped")
	return nil
}

func (e *Engine) startupRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= len(startupBackoffs) {
			break
		}
		wait := startupBackoffs[attempt]
		log.WithError(err).WithFields(log.Fields{
			"step":    name,
			"attempt": attempt + 1,
			"backoff": wait,
		}).Warn("startup step failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("startup %s: %w", name, err)
}

func (e *Engine) checkStreamHealth(ctx context.Context) error {
	idleMax := time.Duration(e.cfg.Jobs.StreamIdleMaxSec) * time.Second
	last := e.session.LastEventAt()
	if !last.IsZero() && time.Since(last) > idleMax {
		// Keep-alives can succeed against a silently dead connection, so
		// idle time wins over keep-alive health.
		if err := e.breaker.AllowReconnect(); err != nil {
			return err
		}
		log.WithField("idle", time.Since(last).Round(time.Second)).Warn("stream idle threshold exceeded, resetting")
		err := e.session.Reset(ctx)
		e.breaker.RecordReconnect(err)
		if err != nil {
			return fmt.Errorf("reset user stream: %w", err)
		}
		return nil
	}
	if err := e.session.KeepAlive(ctx); err != nil {
		e.breaker.RecordReconnect(err)
		return err
	}
	e.breaker.RecordReconnect(nil)
	return nil
}

func (e *Engine) setVolatility(t indicator.Table) {
	e.volMu.Lock()
	e.vol = t
	e.volMu.Unlock()
}

func (e *Engine) volatility() indicator.Table {
	e.volMu.RLock()
	defer e.volMu.RUnlock()
	return e.vol
}

func (e *Engine) persistStatus(state string, runErr error) {
	if e.store == nil {
		return
	}
	status := store.RuntimeStatus{
		InstanceID: e.cfg.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		QuoteAsset: e.cfg.Trading.QuoteAsset,
		StartedAt:  e.startedAt,
	}
	if runErr != nil {
		status.LastError = runErr.Error()
	}
	if err := e.store.SaveRuntimeStatus(status); err != nil {
		log.WithError(err).Warn("persist runtime status")
	}
}

func (e *Engine) profitFactor(side core.Side) decimal.Decimal {
	ratio := e.cfg.Trading.ProfitRatio.Div(decimal.NewFromInt(100))
	if side == core.Sell {
		return decimal.NewFromInt(1).Add(ratio)
	}
	return decimal.NewFromInt(1).Sub(ratio)
}

// runPerSymbol runs fn for every symbol concurrently and joins the
// individual failures, so one bad symbol never aborts the batch.
func runPerSymbol(symbols []string, fn func(symbol string) error) error {
	if len(symbols) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(symbols))
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			if err := fn(sym); err != nil {
				errCh <- fmt.Errorf("%s: %w", sym, err)
			}
		}(sym)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
