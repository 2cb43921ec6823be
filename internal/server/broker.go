package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/storage"
)

// listener is the slice of storage.DB the broker needs. Abstracted so
// broker tests can feed notifications without a live Postgres connection.
type listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out Postgres LISTEN/NOTIFY progress messages to SSE
// subscribers. All runs publish on one shared channel; the broker decodes
// each envelope once and routes the inner event to the subscribers of
// that run only.
type Broker struct {
	db     listener
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan model.ProgressEvent]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
	}
}

// Start begins listening on the run progress channel. It blocks, so call
// it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelRunProgress); err != nil {
		b.logger.Error("broker: listen run progress", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelRunProgress)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		n, err := model.DecodeRunProgress([]byte(payload))
		if err != nil {
			b.logger.Warn("broker: bad progress payload", "error", err)
			continue
		}
		b.broadcast(n.RunID, n.Event)
	}
}

// Subscribe returns a channel that receives progress events for one run.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	subs := b.subscribers[runID]
	if subs == nil {
		subs = make(map[chan model.ProgressEvent]struct{})
		b.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(runID uuid.UUID, ch chan model.ProgressEvent) {
	b.mu.Lock()
	if subs, ok := b.subscribers[runID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of active subscriber channels across
// all runs. Reported by the health endpoint.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// broadcast sends an event to the run's subscribers. Slow subscribers
// with a full buffer are skipped (their event is dropped) to prevent one
// slow client from blocking all others.
func (b *Broker) broadcast(runID uuid.UUID, ev model.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[runID] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}
