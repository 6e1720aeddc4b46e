package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/storage"
)

// eventApprovalRequested is the SSE event type for a new approval request.
const eventApprovalRequested = "approval_requested"

// NotificationSource delivers Postgres LISTEN/NOTIFY messages.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// ApprovalLookup loads an approval request by id.
type ApprovalLookup func(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)

// Broker fans new approval requests out to SSE subscribers, filtered by
// tenant. In a single process it is the approval queue's notifier. With
// Postgres it instead listens on storage.ChannelApprovals, so requests
// enqueued by any instance reach every subscriber.
type Broker struct {
	source NotificationSource
	lookup ApprovalLookup
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // tenant filter; empty receives all
}

// NewBroker creates a broker. source and lookup may be nil when the broker
// is fed through ApprovalRequested only.
func NewBroker(source NotificationSource, lookup ApprovalLookup, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		lookup:      lookup,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start listens for approval notifications until ctx is cancelled. It
// blocks, so call it in a goroutine. Without a source it returns at once.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil || b.lookup == nil {
		return
	}
	if err := b.source.Listen(ctx, storage.ChannelApprovals); err != nil {
		b.logger.Error("broker: listen approvals", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelApprovals)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		id, err := uuid.Parse(payload)
		if err != nil {
			b.logger.Warn("broker: malformed approval id", "payload", payload)
			continue
		}
		req, err := b.lookup(ctx, id)
		if err != nil {
			b.logger.Warn("broker: approval lookup failed", "approval_id", id, "error", err)
			continue
		}
		b.publish(req)
	}
}

// ApprovalRequested implements approval.Notifier.
func (b *Broker) ApprovalRequested(_ context.Context, req model.ApprovalRequest) {
	b.publish(req)
}

func (b *Broker) publish(req model.ApprovalRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		b.logger.Error("broker: marshal approval", "approval_id", req.ID, "error", err)
		return
	}
	b.broadcast(req.TenantID, formatSSE(eventApprovalRequested, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events for
// tenantID, or for every tenant when tenantID is empty. The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe(tenantID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to every subscriber of tenantID. Slow
// subscribers with a full buffer miss the event.
func (b *Broker) broadcast(tenantID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != tenantID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
