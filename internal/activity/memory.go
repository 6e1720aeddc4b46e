package activity

import (
	"context"
	"sync"

	"github.com/ashita-ai/soji/internal/integrity"
	"github.com/ashita-ai/soji/internal/model"
)

// MemoryStore keeps every agent's history in process. Records are retained
// for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]model.ActivityRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]model.ActivityRecord)}
}

func (m *MemoryStore) Append(_ context.Context, rec model.ActivityRecord) (model.ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.records[rec.AgentID]
	rec.Seq = 1
	rec.PrevHash = ""
	if n := len(history); n > 0 {
		rec.Seq = history[n-1].Seq + 1
		rec.PrevHash = history[n-1].Hash
		rec.Timestamp = NotBefore(rec.Timestamp, history[n-1].Timestamp)
	}
	h, err := integrity.ComputeRecordHash(rec, rec.PrevHash)
	if err != nil {
		return model.ActivityRecord{}, err
	}
	rec.Hash = h
	rec.Payload = clonePayload(rec.Payload)
	m.records[rec.AgentID] = append(history, rec)
	return rec, nil
}

func (m *MemoryStore) Page(_ context.Context, agentID string, r model.TimeRange, afterSeq int64, limit int) ([]model.ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ActivityRecord, 0)
	for _, rec := range m.records[agentID] {
		if rec.Seq <= afterSeq || !r.Contains(rec.Timestamp) {
			continue
		}
		rec.Payload = clonePayload(rec.Payload)
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// clonePayload copies the top level so callers cannot mutate stored records.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
