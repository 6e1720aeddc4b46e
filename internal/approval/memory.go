package approval

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/model"
)

// MemoryStore keeps requests in process. Resolved requests stay readable by
// id; only the pending view drops them.
type MemoryStore struct {
	mu         sync.Mutex
	requests   map[uuid.UUID]model.ApprovalRequest
	conts      map[uuid.UUID]model.Continuation
	byDecision map[uuid.UUID]uuid.UUID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[uuid.UUID]model.ApprovalRequest),
		conts:      make(map[uuid.UUID]model.Continuation),
		byDecision: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryStore) Create(_ context.Context, req model.ApprovalRequest, cont model.Continuation) (model.ApprovalRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byDecision[req.Decision.ID]; ok {
		return m.requests[id], false, nil
	}
	m.requests[req.ID] = req
	m.conts[req.ID] = cont
	m.byDecision[req.Decision.ID] = req.ID
	return req, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return model.ApprovalRequest{}, ErrNotFound
	}
	return req, nil
}

func (m *MemoryStore) ListPending(_ context.Context, tenantID string) ([]model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ApprovalRequest, 0)
	for _, req := range m.requests {
		if req.Status != model.ApprovalPending {
			continue
		}
		if tenantID != "" && req.TenantID != tenantID {
			continue
		}
		out = append(out, req)
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, at time.Time) (Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Resolution{}, ErrNotFound
	}
	if req.Status != model.ApprovalPending {
		return Resolution{}, ErrAlreadyResolved
	}
	req.Status = status
	req.Approver = approver
	req.ResolvedAt = &at
	m.requests[id] = req
	return Resolution{Request: req, Continuation: m.conts[id]}, nil
}

func (m *MemoryStore) MarkResumed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cont, ok := m.conts[id]
	if !ok {
		return ErrNotFound
	}
	if cont.ResumedAt == nil {
		cont.ResumedAt = &at
		m.conts[id] = cont
	}
	return nil
}

func (m *MemoryStore) ListUnresumed(_ context.Context) ([]Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Resolution
	for id, req := range m.requests {
		cont := m.conts[id]
		if req.Status.Terminal() && cont.ResumedAt == nil {
			out = append(out, Resolution{Request: req, Continuation: cont})
		}
	}
	slices.SortFunc(out, func(a, b Resolution) int {
		return a.Request.ResolvedAt.Compare(*b.Request.ResolvedAt)
	})
	return out, nil
}

func sortOldestFirst(reqs []model.ApprovalRequest) {
	slices.SortFunc(reqs, func(a, b model.ApprovalRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}
