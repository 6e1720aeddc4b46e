// Package activity is the append-only, per-agent audit trail of a run's
// observations, decisions, tool calls and outcomes.
//
// Records are totally ordered per agent by Seq and hash-chained (see
// package integrity). Queries are lazy and cursor-paginated.
package activity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/integrity"
	"github.com/ashita-ai/soji/internal/model"
)

// Page size bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ErrInvalidCursor is returned for a cursor this log did not produce.
var ErrInvalidCursor = errors.New("activity: invalid cursor")

// Store persists records. Append must assign Seq, PrevHash and Hash
// atomically with respect to other appends for the same agent, and must
// pass the Timestamp through NotBefore against the chain head so time order
// never contradicts Seq order.
type Store interface {
	Append(ctx context.Context, rec model.ActivityRecord) (model.ActivityRecord, error)
	// Page returns up to limit records for agentID with Seq > afterSeq inside
	// r, oldest first.
	Page(ctx context.Context, agentID string, r model.TimeRange, afterSeq int64, limit int) ([]model.ActivityRecord, error)
}

// NotBefore returns ts, or head when ts is earlier. Appends stamp their time
// before taking the chain lock, so a later Seq can carry an earlier clock
// reading.
func NotBefore(ts, head time.Time) time.Time {
	if ts.Before(head) {
		return head
	}
	return ts
}

// Page is one slice of a query. NextCursor is empty on the last page.
type Page struct {
	Records    []model.ActivityRecord `json:"records"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Log is the activity log used by the runtime.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log over store.
func New(store Store, logger *slog.Logger) *Log {
	return &Log{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Append stamps rec with an id and timestamp and persists it. The returned
// record carries its Seq and Hash. An error means storage is unavailable and
// is fatal to the calling run.
func (l *Log) Append(ctx context.Context, rec model.ActivityRecord) (model.ActivityRecord, error) {
	if rec.AgentID == "" {
		return model.ActivityRecord{}, fmt.Errorf("activity: append: agent_id is required")
	}
	if rec.Kind == "" {
		return model.ActivityRecord{}, fmt.Errorf("activity: append: kind is required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	// Microsecond precision matches Postgres timestamptz, so hashes survive a round trip.
	rec.Timestamp = l.now().UTC().Truncate(time.Microsecond)

	stored, err := l.store.Append(ctx, rec)
	if err != nil {
		l.logger.Error("activity: append failed", "agent_id", rec.AgentID, "kind", string(rec.Kind), "error", err)
		return model.ActivityRecord{}, fmt.Errorf("activity: append: %w", err)
	}
	return stored, nil
}

// Page returns one page of agentID's history inside r, starting after cursor.
func (l *Log) Page(ctx context.Context, agentID string, r model.TimeRange, cursor string, limit int) (Page, error) {
	afterSeq, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	// One extra row tells us whether another page exists.
	recs, err := l.store.Page(ctx, agentID, r, afterSeq, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("activity: page: %w", err)
	}
	page := Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.NextCursor = EncodeCursor(page.Records[limit-1].Seq)
	}
	return page, nil
}

// Query returns agentID's history inside r, oldest first. Pages of pageSize
// are fetched only as iteration reaches them. Ranging over the sequence again
// restarts from the beginning. A fetch error is yielded once and ends the
// sequence.
func (l *Log) Query(ctx context.Context, agentID string, r model.TimeRange, pageSize int) iter.Seq2[model.ActivityRecord, error] {
	return func(yield func(model.ActivityRecord, error) bool) {
		cursor := ""
		for {
			page, err := l.Page(ctx, agentID, r, cursor, pageSize)
			if err != nil {
				yield(model.ActivityRecord{}, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Verify walks agentID's full history and checks the hash chain.
func (l *Log) Verify(ctx context.Context, agentID string) error {
	var prev *model.ActivityRecord
	for rec, err := range l.Query(ctx, agentID, model.TimeRange{}, MaxPageSize) {
		if err != nil {
			return err
		}
		window := []model.ActivityRecord{rec}
		if prev != nil {
			window = []model.ActivityRecord{*prev, rec}
		} else if rec.PrevHash != "" {
			return fmt.Errorf("%w: first record (seq %d) links to a predecessor", integrity.ErrChainBroken, rec.Seq)
		}
		if err := integrity.VerifyChain(window); err != nil {
			return err
		}
		prev = &rec
	}
	return nil
}

// RunRecords collects one run's records from agentID's history, oldest first.
func (l *Log) RunRecords(ctx context.Context, agentID string, runID uuid.UUID, since time.Time) ([]model.ActivityRecord, error) {
	var out []model.ActivityRecord
	for rec, err := range l.Query(ctx, agentID, model.TimeRange{From: since}, MaxPageSize) {
		if err != nil {
			return nil, err
		}
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

const cursorPrefix = "seq:"

// EncodeCursor returns the opaque cursor that resumes after seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor returns the seq a cursor resumes after. The empty cursor is 0.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}
