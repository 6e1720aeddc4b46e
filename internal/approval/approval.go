// Package approval holds decisions escalated for human review together with
// the durable continuation needed to resume the suspended run.
//
// A request is created pending and resolves exactly once, to approved or
// rejected. Resolution is compare-and-set in every store, so concurrent
// resolvers see one winner and ErrAlreadyResolved for the rest.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/telemetry"
)

var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval: not found")
	// ErrAlreadyResolved is returned when resolving a non-pending request.
	ErrAlreadyResolved = errors.New("approval: already resolved")
)

// Resolution is a resolved request and the continuation of its run.
type Resolution struct {
	Request      model.ApprovalRequest
	Continuation model.Continuation
}

// Approved reports whether the request was approved.
func (r Resolution) Approved() bool {
	return r.Request.Status == model.ApprovalApproved
}

// Store persists requests and continuations. Implementations must make
// Create idempotent per decision id and Resolve a compare-and-set on status.
type Store interface {
	// Create stores a pending request and its continuation. If a request
	// already exists for req.Decision.ID it is returned with created=false.
	Create(ctx context.Context, req model.ApprovalRequest, cont model.Continuation) (stored model.ApprovalRequest, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	// ListPending returns pending requests oldest first. An empty tenantID
	// lists every tenant.
	ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error)
	Resolve(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, at time.Time) (Resolution, error)
	MarkResumed(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListUnresumed returns resolutions whose continuation was never resumed.
	ListUnresumed(ctx context.Context) ([]Resolution, error)
}

// Notifier is told about every newly enqueued request.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req model.ApprovalRequest)
}

// Queue is the approval queue used by the agent runtime. It is safe for
// concurrent use.
type Queue struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	resolved otelmetric.Int64Counter
}

// NewQueue creates a Queue over store. notifier may be nil.
func NewQueue(store Store, notifier Notifier, logger *slog.Logger) *Queue {
	q := &Queue{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	if c, err := telemetry.Meter("soji/approval").Int64Counter("soji.approvals.resolved",
		otelmetric.WithDescription("Approval requests resolved, by outcome")); err == nil {
		q.resolved = c
	}
	return q
}

// Enqueue creates the pending request for d and stores cont under its id.
// Enqueueing the same decision twice returns the first request.
func (q *Queue) Enqueue(ctx context.Context, d model.Decision, cont model.Continuation) (model.ApprovalRequest, error) {
	if d.ID == uuid.Nil {
		return model.ApprovalRequest{}, fmt.Errorf("approval: enqueue: decision id is required")
	}
	now := q.now().UTC().Truncate(time.Microsecond)
	req := model.ApprovalRequest{
		ID:        uuid.New(),
		Decision:  d,
		AgentID:   d.AgentID,
		TenantID:  d.TenantID,
		Status:    model.ApprovalPending,
		CreatedAt: now,
	}
	cont.ApprovalID = req.ID
	cont.Decision = d
	cont.CreatedAt = now
	cont.ResumedAt = nil

	stored, created, err := q.store.Create(ctx, req, cont)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approval: enqueue: %w", err)
	}
	if !created {
		q.logger.Info("approval: decision already enqueued", "approval_id", stored.ID, "decision_id", d.ID)
		return stored, nil
	}

	q.logger.Info("approval: enqueued",
		"approval_id", stored.ID,
		"agent_id", stored.AgentID,
		"tenant_id", stored.TenantID,
		"category", string(d.Category),
	)
	if q.notifier != nil {
		q.notifier.ApprovalRequested(ctx, stored)
	}
	return stored, nil
}

// Get returns one request.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	req, err := q.store.Get(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approval: get: %w", err)
	}
	return req, nil
}

// ListPending returns the live queue for tenantID, oldest first.
func (q *Queue) ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error) {
	reqs, err := q.store.ListPending(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	return reqs, nil
}

// Resolve moves request id to approved or rejected on behalf of approver.
// It fails with ErrNotFound or ErrAlreadyResolved.
func (q *Queue) Resolve(ctx context.Context, id uuid.UUID, approved bool, approver string) (Resolution, error) {
	if approver == "" {
		return Resolution{}, fmt.Errorf("approval: resolve: approver is required")
	}
	status := model.ApprovalRejected
	if approved {
		status = model.ApprovalApproved
	}
	res, err := q.store.Resolve(ctx, id, status, approver, q.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return Resolution{}, fmt.Errorf("approval: resolve: %w", err)
	}
	if q.resolved != nil {
		q.resolved.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(status))))
	}
	q.logger.Info("approval: resolved",
		"approval_id", id,
		"status", string(status),
		"approver", approver,
	)
	return res, nil
}

// MarkResumed records that the continuation of id has been resumed.
func (q *Queue) MarkResumed(ctx context.Context, id uuid.UUID) error {
	if err := q.store.MarkResumed(ctx, id, q.now().UTC().Truncate(time.Microsecond)); err != nil {
		return fmt.Errorf("approval: mark resumed: %w", err)
	}
	return nil
}

// ListUnresumed returns resolutions still owed a resume.
func (q *Queue) ListUnresumed(ctx context.Context) ([]Resolution, error) {
	res, err := q.store.ListUnresumed(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval: list unresumed: %w", err)
	}
	return res, nil
}
