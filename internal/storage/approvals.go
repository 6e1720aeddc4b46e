package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/model"
)

var _ approval.Store = (*ApprovalStore)(nil)

// ApprovalStore is the Postgres approval queue. Resolution is a single
// UPDATE guarded by status = 'pending'.
type ApprovalStore struct {
	db *DB
}

// NewApprovalStore returns an approval store over db.
func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

const approvalColumns = `id, decision, agent_id, tenant_id, status, approver, created_at, resolved_at`

func scanApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	var status string
	err := row.Scan(&req.ID, &req.Decision, &req.AgentID, &req.TenantID, &status,
		&req.Approver, &req.CreatedAt, &req.ResolvedAt)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	req.Status = model.ApprovalStatus(status)
	return req, nil
}

func (s *ApprovalStore) Create(ctx context.Context, req model.ApprovalRequest, cont model.Continuation) (model.ApprovalRequest, bool, error) {
	tag, err := s.db.pool.Exec(ctx,
		`INSERT INTO approval_requests (id, decision_id, agent_id, tenant_id, decision, status, created_at, continuation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (decision_id) DO NOTHING`,
		req.ID, req.Decision.ID, req.AgentID, req.TenantID, req.Decision,
		string(model.ApprovalPending), req.CreatedAt, cont,
	)
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("storage: create approval: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return req, true, nil
	}

	existing, err := scanApproval(s.db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE decision_id = $1`, req.Decision.ID))
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("storage: read existing approval: %w", err)
	}
	return existing, false, nil
}

func (s *ApprovalStore) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	req, err := scanApproval(s.db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, approval.ErrNotFound
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return req, nil
}

func (s *ApprovalStore) ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = 'pending' AND ($1 = '' OR tenant_id = $1)
		 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending approvals: %w", err)
	}
	defer rows.Close()

	out := make([]model.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *ApprovalStore) Resolve(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, at time.Time) (approval.Resolution, error) {
	var res approval.Resolution
	var rowStatus string
	err := s.db.pool.QueryRow(ctx,
		`UPDATE approval_requests
		 SET status = $2, approver = $3, resolved_at = $4
		 WHERE id = $1 AND status = 'pending'
		 RETURNING id, decision, agent_id, tenant_id, status, approver, created_at, resolved_at, continuation`,
		id, string(status), approver, at,
	).Scan(&res.Request.ID, &res.Request.Decision, &res.Request.AgentID, &res.Request.TenantID,
		&rowStatus, &res.Request.Approver, &res.Request.CreatedAt, &res.Request.ResolvedAt, &res.Continuation)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the id is unknown or someone else resolved it first.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return approval.Resolution{}, getErr
		}
		return approval.Resolution{}, approval.ErrAlreadyResolved
	}
	if err != nil {
		return approval.Resolution{}, fmt.Errorf("storage: resolve approval: %w", err)
	}
	res.Request.Status = model.ApprovalStatus(rowStatus)
	return res, nil
}

func (s *ApprovalStore) MarkResumed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE approval_requests SET resumed_at = COALESCE(resumed_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("storage: mark approval resumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return approval.ErrNotFound
	}
	return nil
}

func (s *ApprovalStore) ListUnresumed(ctx context.Context) ([]approval.Resolution, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, decision, agent_id, tenant_id, status, approver, created_at, resolved_at, continuation
		 FROM approval_requests
		 WHERE status <> 'pending' AND resumed_at IS NULL
		 ORDER BY resolved_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list unresumed approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Resolution
	for rows.Next() {
		var res approval.Resolution
		var status string
		if err := rows.Scan(&res.Request.ID, &res.Request.Decision, &res.Request.AgentID, &res.Request.TenantID,
			&status, &res.Request.Approver, &res.Request.CreatedAt, &res.Request.ResolvedAt, &res.Continuation); err != nil {
			return nil, fmt.Errorf("storage: scan unresumed approval: %w", err)
		}
		res.Request.Status = model.ApprovalStatus(status)
		out = append(out, res)
	}
	return out, rows.Err()
}
