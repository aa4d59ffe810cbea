// Package notify exports network lifecycle events to external sinks.
// The log provider is always active; additional providers (MQTT) are
// attached from configuration.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/events"
)

// sendTimeout bounds a single provider delivery.
const sendTimeout = 10 * time.Second

// Provider delivers a single event to an external sink.
type Provider interface {
	Name() string
	Send(ctx context.Context, evt events.Event) error
}

// Notifier fans events from the bus out to all configured providers.
type Notifier struct {
	providers []Provider
	log       *slog.Logger

	mu      sync.Mutex
	cancel  func()
	stopped chan struct{}
}

// New creates a Notifier with the given providers.
func New(log *slog.Logger, providers ...Provider) *Notifier {
	return &Notifier{
		providers: providers,
		log:       log,
	}
}

// Run subscribes to the bus and dispatches events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()

	n.mu.Lock()
	n.cancel = cancel
	n.stopped = make(chan struct{})
	stopped := n.stopped
	n.mu.Unlock()

	go func() {
		defer close(stopped)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				n.dispatch(ctx, evt)
			}
		}
	}()
}

// dispatch sends an event to every provider. Provider failures are logged
// and never propagate -- a broken sink must not affect the network.
func (n *Notifier) dispatch(ctx context.Context, evt events.Event) {
	for _, p := range n.providers {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := p.Send(sctx, evt); err != nil {
			n.log.Warn("event export failed", "provider", p.Name(), "type", string(evt.Type), "error", err)
		}
		cancel()
	}
}
