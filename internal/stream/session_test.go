package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"auto-trader/internal/core"
	"auto-trader/internal/exchange"
)

type fakeUserStream struct {
	mu         sync.Mutex
	starts     int
	keepalives int
	closes     int
	startErr   error
	keepErr    error
	handlers   exchange.StreamHandlers
	errCh      chan error
}

func (f *fakeUserStream) StartUserStream(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	return "token", nil
}

func (f *fakeUserStream) KeepAliveUserStream(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return f.keepErr
}

func (f *fakeUserStream) CloseUserStream(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeUserStream) ListenUserData(ctx context.Context, token string, handlers exchange.StreamHandlers) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = handlers
	f.errCh = make(chan error, 1)
	return f.errCh, nil
}

func (f *fakeUserStream) counts() (starts, keepalives, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.keepalives, f.closes
}

func TestStartIdempotent(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.State(); got != Listening {
		t.Fatalf("State() = %v, want listening", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if starts, _, _ := fake.counts(); starts != 1 {
		t.Fatalf("starts = %d, want 1", starts)
	}
}

func TestStartFailureLeavesDisconnected(t *testing.T) {
	fake := &fakeUserStream{startErr: errors.New("boom")}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want failure")
	}
	if got := s.State(); got != Disconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}
}

func TestConnectionDeathMarksDisconnected(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	fake.errCh <- errors.New("read: connection reset")
	close(fake.errCh)

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Disconnected {
		if time.Now().After(deadline) {
			t.Fatal("session never marked disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKeepAliveFallsBackToStart(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.KeepAlive(context.Background()); err != nil {
		t.Fatalf("KeepAlive() error = %v", err)
	}
	starts, keepalives, _ := fake.counts()
	if starts != 1 || keepalives != 0 {
		t.Fatalf("starts = %d keepalives = %d, want 1 and 0", starts, keepalives)
	}

	if err := s.KeepAlive(context.Background()); err != nil {
		t.Fatalf("second KeepAlive() error = %v", err)
	}
	if _, keepalives, _ = fake.counts(); keepalives != 1 {
		t.Fatalf("keepalives = %d, want 1", keepalives)
	}
}

func TestKeepAliveFailureTearsDown(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	fake.mu.Lock()
	fake.keepErr = errors.New("expired")
	fake.mu.Unlock()

	if err := s.KeepAlive(context.Background()); err == nil {
		t.Fatal("KeepAlive() error = nil, want failure")
	}
	if got := s.State(); got != Disconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}
	if _, _, closes := fake.counts(); closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
}

func TestResetReconnects(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	starts, _, closes := fake.counts()
	if starts != 2 || closes != 1 {
		t.Fatalf("starts = %d closes = %d, want 2 and 1", starts, closes)
	}
	if got := s.State(); got != Listening {
		t.Fatalf("State() = %v, want listening", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop()
	if _, _, closes := fake.counts(); closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
	if got := s.State(); got != Disconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}
}

func TestEventsRefreshLastEventAt(t *testing.T) {
	var gotFill core.Fill
	fake := &fakeUserStream{}
	s := NewSession(fake, exchange.StreamHandlers{
		OnExecution: func(fill core.Fill) { gotFill = fill },
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := s.LastEventAt()
	time.Sleep(10 * time.Millisecond)

	fake.mu.Lock()
	handlers := fake.handlers
	fake.mu.Unlock()
	handlers.OnExecution(core.Fill{
		Symbol: "ETHBTC",
		Side:   core.Buy,
		Price:  decimal.RequireFromString("0.02"),
		Qty:    decimal.RequireFromString("1"),
	})

	if !s.LastEventAt().After(before) {
		t.Fatal("LastEventAt not refreshed by execution event")
	}
	if gotFill.Symbol != "ETHBTC" {
		t.Fatalf("fill not dispatched, got %+v", gotFill)
	}
}
