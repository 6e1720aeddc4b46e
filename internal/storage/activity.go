package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/soji/internal/activity"
	"github.com/ashita-ai/soji/internal/integrity"
	"github.com/ashita-ai/soji/internal/model"
)

var _ activity.Store = (*ActivityStore)(nil)

// ActivityStore is the Postgres activity log. Appends for one agent are
// serialized with a transaction-scoped advisory lock keyed by agent id, so
// seq and prev_hash are assigned without gaps across instances.
type ActivityStore struct {
	db *DB
}

// NewActivityStore returns an activity store over db.
func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{db: db}
}

func (s *ActivityStore) Append(ctx context.Context, rec model.ActivityRecord) (model.ActivityRecord, error) {
	var out model.ActivityRecord
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		var err error
		out, err = s.appendOnce(ctx, rec)
		return err
	})
	if err != nil {
		return model.ActivityRecord{}, err
	}
	return out, nil
}

func (s *ActivityStore) appendOnce(ctx context.Context, rec model.ActivityRecord) (model.ActivityRecord, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return model.ActivityRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "activity:"+rec.AgentID); err != nil {
		return model.ActivityRecord{}, fmt.Errorf("storage: lock activity chain: %w", err)
	}

	var (
		lastSeq  int64
		lastHash string
		lastAt   time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT seq, hash, recorded_at FROM activity_records WHERE agent_id = $1 ORDER BY seq DESC LIMIT 1`,
		rec.AgentID,
	).Scan(&lastSeq, &lastHash, &lastAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.ActivityRecord{}, fmt.Errorf("storage: read chain head: %w", err)
	}

	rec.Seq = lastSeq + 1
	rec.PrevHash = lastHash
	rec.Timestamp = activity.NotBefore(rec.Timestamp, lastAt.UTC())
	rec.Hash, err = integrity.ComputeRecordHash(rec, rec.PrevHash)
	if err != nil {
		return model.ActivityRecord{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO activity_records (id, agent_id, seq, run_id, tenant_id, kind, payload, outcome, recorded_at, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.AgentID, rec.Seq, rec.RunID, rec.TenantID, string(rec.Kind),
		rec.Payload, rec.Outcome, rec.Timestamp, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return model.ActivityRecord{}, fmt.Errorf("storage: insert activity record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ActivityRecord{}, fmt.Errorf("storage: commit activity record: %w", err)
	}
	return rec, nil
}

func (s *ActivityStore) Page(ctx context.Context, agentID string, r model.TimeRange, afterSeq int64, limit int) ([]model.ActivityRecord, error) {
	var from, to *time.Time
	if !r.From.IsZero() {
		from = &r.From
	}
	if !r.To.IsZero() {
		to = &r.To
	}

	rows, err := s.db.pool.Query(ctx,
		`SELECT id, agent_id, seq, run_id, tenant_id, kind, payload, outcome, recorded_at, prev_hash, hash
		 FROM activity_records
		 WHERE agent_id = $1 AND seq > $2
		   AND ($3::timestamptz IS NULL OR recorded_at >= $3)
		   AND ($4::timestamptz IS NULL OR recorded_at < $4)
		 ORDER BY seq
		 LIMIT $5`,
		agentID, afterSeq, from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query activity: %w", err)
	}
	defer rows.Close()

	out := make([]model.ActivityRecord, 0, limit)
	for rows.Next() {
		var rec model.ActivityRecord
		var kind string
		if err := rows.Scan(
			&rec.ID, &rec.AgentID, &rec.Seq, &rec.RunID, &rec.TenantID, &kind,
			&rec.Payload, &rec.Outcome, &rec.Timestamp, &rec.PrevHash, &rec.Hash,
		); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		rec.Kind = model.ActivityKind(kind)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
