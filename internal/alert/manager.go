// Package alert delivers important engine events to an external channel
// without ever blocking trading paths.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the narrow surface the engine and breaker depend on. A nil
// *Manager satisfies it as a no-op, so callers never nil-check.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize   = 128
	notifyTimeout      = 20 * time.Second
	dropReportInterval = time.Minute
)

type event struct {
	name   string
	fields map[string]string
}

// Manager fans alerts out to the notifier from a single worker. When the
// queue is full the alert is dropped and counted; drops are summarized
// periodically rather than logged one by one.
type Manager struct {
	tag      string
	notifier Notifier
	queue    chan event
	stop     chan struct{}
	done     chan struct{}

	droppedTotal    atomic.Uint64
	droppedInWindow atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewManager returns nil when no notifier is configured; a nil Manager
// is a valid no-op Alerter.
func NewManager(tag string, notifier Notifier, queueSize int) *Manager {
	if notifier == nil {
		return nil
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	m := &Manager{
		tag:      tag,
		notifier: notifier,
		queue:    make(chan event, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	select {
	case m.queue <- event{name: name, fields: cloneFields(fields)}:
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		total := m.droppedTotal.Add(1)
		if m.droppedInWindow.Add(1) == 1 {
			log.WithFields(log.Fields{
				"event":         name,
				"dropped_total": total,
			}).Warn("alert queue full, dropping")
		}
	}
}

// Close drains queued alerts and stops the worker. Safe to call twice.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDrops() {
	dropped := m.droppedInWindow.Swap(0)
	if dropped == 0 {
		return
	}
	log.WithFields(log.Fields{
		"dropped_in_window": dropped,
		"dropped_total":     m.droppedTotal.Load(),
	}).Warn("alerts dropped")
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		log.WithError(err).WithField("event", ev.name).Error("alert delivery failed")
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[" + m.tag + "]",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
