// Package progress fans ingestion progress events out to SSE clients.
package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/signal305/rag-service/internal/queue"
)

// clientBuffer is the per-client channel capacity. Slow clients lose events
// rather than stalling the fan-out.
const clientBuffer = 32

// Broadcaster distributes progress events from the bus to any number of
// subscribed clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan queue.ProgressEvent]struct{}
	logger  *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan queue.ProgressEvent]struct{}),
		logger:  slog.Default(),
	}
}

// Run subscribes to the bus and forwards events until the context ends.
func (b *Broadcaster) Run(ctx context.Context, bus queue.ProgressBus) error {
	events, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Publish(ev)
		}
	}
}

// Publish delivers an event to every subscribed client. Full client buffers
// drop the event.
func (b *Broadcaster) Publish(ev queue.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping progress event for slow client", "doc_id", ev.DocID)
		}
	}
}

// Subscribe registers a client. The cancel func removes the client and
// closes its channel.
func (b *Broadcaster) Subscribe() (<-chan queue.ProgressEvent, func()) {
	ch := make(chan queue.ProgressEvent, clientBuffer)

	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// ClientCount returns the number of subscribed clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
