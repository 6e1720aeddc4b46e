package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/soji/internal/model"
)

// ChannelApprovals carries the id of every newly enqueued approval request.
const ChannelApprovals = "soji_approvals"

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// ApprovalNotifier publishes enqueued approval ids on ChannelApprovals so
// approver dashboards can subscribe.
type ApprovalNotifier struct {
	db *DB
}

// NewApprovalNotifier returns a notifier publishing through db.
func NewApprovalNotifier(db *DB) *ApprovalNotifier {
	return &ApprovalNotifier{db: db}
}

// ApprovalRequested sends the request id. Failures are logged, not returned;
// the request is already durable.
func (n *ApprovalNotifier) ApprovalRequested(ctx context.Context, req model.ApprovalRequest) {
	if err := n.db.Notify(ctx, ChannelApprovals, req.ID.String()); err != nil {
		n.db.logger.Warn("storage: approval notify failed", "approval_id", req.ID, "error", err)
	}
}
