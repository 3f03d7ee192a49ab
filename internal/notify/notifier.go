// Package notify fans audit events out to the fog and, optionally, an
// on-prem MQTT broker. It is deliberately narrow: the orchestration
// agent has exactly two audiences for an audit event (the fog, which
// owns the tenant's event history, and a local broker an operator may
// already run), not the many consumer-notification channels a
// general-purpose updater supports.
package notify

import (
	"context"
	"sync"

	"github.com/nano-agent/orchestrator/internal/audit"
)

// Event is the payload handed to every Notifier. It is the audit
// package's own event record — notify never redefines what happened,
// only where it gets sent.
type Event = audit.Event

// Notifier sends an event to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block the main loop.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"kind", string(event.Kind),
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

// Bridge subscribes to bus and forwards every published event to multi
// until ctx is cancelled. The orchestrator's REPORT stage publishes to
// the bus without knowing or caring who, if anyone, is listening.
func Bridge(ctx context.Context, bus *audit.Bus, multi *Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			multi.Notify(ctx, evt)
		}
	}
}
