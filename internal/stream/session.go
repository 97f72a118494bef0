// Package stream owns the lifecycle of the exchange's push-event session.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"auto-trader/internal/core"
	"auto-trader/internal/exchange"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Listening
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

const closeTimeout = 5 * time.Second

// Session holds at most one live push connection. All transitions are
// serialized under one mutex; the connection watcher only acts on the
// generation it was started for, so a stale connection dying cannot
// knock out its replacement.
type Session struct {
	us       exchange.UserStream
	handlers exchange.StreamHandlers

	mu     sync.Mutex
	state  State
	token  string
	cancel context.CancelFunc
	gen    uint64

	lastEvent atomic.Int64
}

func NewSession(us exchange.UserStream, handlers exchange.StreamHandlers) *Session {
	return &Session{us: us, handlers: handlers}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEventAt returns when the session last saw any push event, or the
// zero time if it has never listened.
func (s *Session) LastEventAt() time.Time {
	ns := s.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start acquires a listen key and opens the push connection. Calling it
// while already listening is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.state == Listening {
		return nil
	}
	s.state = Connecting
	token, err := s.us.StartUserStream(ctx)
	if err != nil {
		s.state = Disconnected
		return fmt.Errorf("start user stream: %w", err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	errCh, err := s.us.ListenUserData(connCtx, token, s.tracking())
	if err != nil {
		cancel()
		s.state = Disconnected
		return fmt.Errorf("open user stream: %w", err)
	}
	s.gen++
	s.token = token
	s.cancel = cancel
	s.state = Listening
	s.lastEvent.Store(time.Now().UnixNano())
	go s.watch(s.gen, errCh)
	log.WithField("state", s.state).Info("user stream listening")
	return nil
}

// KeepAlive extends the current listen key. With no live session it falls
// back to a full Start; a failed extension tears the session down so the
// next health check reconnects from scratch.
func (s *Session) KeepAlive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listening {
		return s.startLocked(ctx)
	}
	if err := s.us.KeepAliveUserStream(ctx, s.token); err != nil {
		s.teardownLocked()
		return fmt.Errorf("keepalive user stream: %w", err)
	}
	return nil
}

// Reset forces a teardown and immediate reconnect.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	return s.startLocked(ctx)
}

// Stop tears the session down and releases the listen key. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s.us.CloseUserStream(ctx, s.token); err != nil {
			log.WithError(err).Warn("close user stream")
		}
		cancel()
		s.token = ""
	}
	s.state = Disconnected
}

func (s *Session) watch(gen uint64, errCh <-chan error) {
	err := <-errCh
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.token = ""
	s.state = Disconnected
	if err != nil {
		log.WithError(err).Warn("user stream dropped")
	}
}

// tracking wraps the registered handlers so every event refreshes the
// idle watchdog timestamp before being dispatched.
func (s *Session) tracking() exchange.StreamHandlers {
	return exchange.StreamHandlers{
		OnAccountUpdate: func(balances []core.Balance) {
			s.lastEvent.Store(time.Now().UnixNano())
			if s.handlers.OnAccountUpdate != nil {
				s.handlers.OnAccountUpdate(balances)
			}
		},
		OnExecution: func(fill core.Fill) {
			s.lastEvent.Store(time.Now().UnixNano())
			if s.handlers.OnExecution != nil {
				s.handlers.OnExecution(fill)
			}
		},
	}
}
