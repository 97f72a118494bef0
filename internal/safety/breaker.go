// Package safety guards the order and reconnect paths with failure-count
// circuit breakers so a misbehaving exchange cannot be hammered forever.
package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"auto-trader/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultCooldown = 30 * time.Second

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
}

// Breaker tracks consecutive failures per action. After maxFailures the
// circuit opens; once the cooldown elapses a single probe is allowed
// (half-open), and its outcome either closes or reopens the circuit.
// A maxFailures of 0 disables that circuit; a nil *Breaker disables all.
type Breaker struct {
	mu       sync.Mutex
	place    circuit
	cancel   circuit
	recon    circuit
	cooldown time.Duration
	alerter  alert.Alerter
	now      func() time.Time
}

type Limits struct {
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	CooldownSec          int
}

func NewBreaker(limits Limits, alerter alert.Alerter) *Breaker {
	cooldown := time.Duration(limits.CooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		place:    circuit{name: "place", maxFailures: limits.MaxPlaceFailures, state: circuitClosed},
		cancel:   circuit{name: "cancel", maxFailures: limits.MaxCancelFailures, state: circuitClosed},
		recon:    circuit{name: "reconnect", maxFailures: limits.MaxReconnectFailures, state: circuitClosed},
		cooldown: cooldown,
		alerter:  alerter,
		now:      time.Now,
	}
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) AllowReconnect() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.recon)
}

func (b *Breaker) RecordPlace(err error) {
	if b == nil {
		return
	}
	b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) {
	if b == nil {
		return
	}
	b.record(&b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) {
	if b == nil {
		return
	}
	b.record(&b.recon, err)
}

func (b *Breaker) allow(c *circuit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.maxFailures < 1 || c.state != circuitOpen {
		return nil
	}
	if remaining := b.cooldown - b.now().Sub(c.openedAt); remaining > 0 {
		return fmt.Errorf("%w: %s circuit cooling down for %s", ErrCircuitOpen, c.name, remaining.Round(time.Second))
	}
	c.state = circuitHalfOpen
	log.WithField("action", c.name).Info("circuit breaker half-open, allowing probe")
	return nil
}

func (b *Breaker) record(c *circuit, err error) {
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return
	}
	if err == nil {
		recovered := c.state == circuitHalfOpen || c.failures > 0
		prev := c.failures
		c.state = circuitClosed
		c.failures = 0
		c.openedAt = time.Time{}
		b.mu.Unlock()
		if recovered {
			log.WithFields(log.Fields{
				"action":            c.name,
				"previous_failures": prev,
			}).Info("circuit breaker recovered")
		}
		return
	}

	if c.state == circuitHalfOpen {
		b.tripLocked(c, err, "half_open_probe_failed")
		b.mu.Unlock()
		return
	}
	c.failures++
	if c.failures >= c.maxFailures {
		b.tripLocked(c, err, "failure_threshold")
		b.mu.Unlock()
		return
	}
	failures, limit := c.failures, c.maxFailures
	b.mu.Unlock()
	log.WithFields(log.Fields{
		"action":    c.name,
		"failures":  failures,
		"threshold": limit,
	}).WithError(err).Warn("circuit breaker failure recorded")
}

func (b *Breaker) tripLocked(c *circuit, err error, reason string) {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.failures = 0
	log.WithFields(log.Fields{
		"action": c.name,
		"reason": reason,
	}).WithError(err).Error("circuit breaker tripped")
	if b.alerter != nil {
		b.alerter.Important("circuit_breaker_trip", map[string]string{
			"action":     c.name,
			"reason":     reason,
			"threshold":  strconv.Itoa(c.maxFailures),
			"last_error": err.Error(),
		})
	}
}
