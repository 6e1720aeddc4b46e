package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/soji/internal/model"
)

const maxTxRetries = 5

// RedisStore keeps requests in Redis so several runtime instances share one
// queue and continuations survive a restart.
//
// Keys:
//
//	{prefix}approval:{id}           request JSON
//	{prefix}continuation:{id}       continuation JSON
//	{prefix}approval:decision:{id}  approval id for a decision id
//	{prefix}approvals:pending       set of pending approval ids
//	{prefix}approvals:unresumed     set of resolved, not yet resumed ids
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store. prefix is typically "soji:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) requestKey(id uuid.UUID) string { return s.prefix + "approval:" + id.String() }
func (s *RedisStore) contKey(id uuid.UUID) string    { return s.prefix + "continuation:" + id.String() }
func (s *RedisStore) decisionKey(id uuid.UUID) string {
	return s.prefix + "approval:decision:" + id.String()
}
func (s *RedisStore) pendingKey() string   { return s.prefix + "approvals:pending" }
func (s *RedisStore) unresumedKey() string { return s.prefix + "approvals:unresumed" }

func (s *RedisStore) Create(ctx context.Context, req model.ApprovalRequest, cont model.Continuation) (model.ApprovalRequest, bool, error) {
	ok, err := s.client.SetNX(ctx, s.decisionKey(req.Decision.ID), req.ID.String(), 0).Result()
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("claim decision: %w", err)
	}
	if !ok {
		existing, err := s.client.Get(ctx, s.decisionKey(req.Decision.ID)).Result()
		if err != nil {
			return model.ApprovalRequest{}, false, fmt.Errorf("read decision claim: %w", err)
		}
		id, err := uuid.Parse(existing)
		if err != nil {
			return model.ApprovalRequest{}, false, fmt.Errorf("corrupt decision claim %q: %w", existing, err)
		}
		stored, err := s.Get(ctx, id)
		return stored, false, err
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("encode request: %w", err)
	}
	contJSON, err := json.Marshal(cont)
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("encode continuation: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.requestKey(req.ID), reqJSON, 0)
		pipe.Set(ctx, s.contKey(req.ID), contJSON, 0)
		pipe.SAdd(ctx, s.pendingKey(), req.ID.String())
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("store request: %w", err)
	}
	return req, true, nil
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	return getJSON[model.ApprovalRequest](ctx, s.client, s.requestKey(id))
}

func (s *RedisStore) ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending ids: %w", err)
	}
	out := make([]model.ApprovalRequest, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status != model.ApprovalPending || (tenantID != "" && req.TenantID != tenantID) {
			continue
		}
		out = append(out, req)
	}
	sortOldestFirst(out)
	return out, nil
}

// Resolve uses WATCH on the request key so only one concurrent resolver can
// commit the pending to terminal transition.
func (s *RedisStore) Resolve(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, at time.Time) (Resolution, error) {
	key := s.requestKey(id)
	var resolved model.ApprovalRequest

	txf := func(tx *redis.Tx) error {
		req, err := getJSON[model.ApprovalRequest](ctx, tx, key)
		if err != nil {
			return err
		}
		if req.Status != model.ApprovalPending {
			return ErrAlreadyResolved
		}
		req.Status = status
		req.Approver = approver
		req.ResolvedAt = &at
		raw, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SRem(ctx, s.pendingKey(), id.String())
			pipe.SAdd(ctx, s.unresumedKey(), id.String())
			return nil
		})
		if err != nil {
			return err
		}
		resolved = req
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the key; re-read and re-check status.
			continue
		}
		if err != nil {
			return Resolution{}, err
		}
		cont, err := getJSON[model.Continuation](ctx, s.client, s.contKey(id))
		if err != nil {
			return Resolution{}, fmt.Errorf("load continuation: %w", err)
		}
		return Resolution{Request: resolved, Continuation: cont}, nil
	}
	return Resolution{}, fmt.Errorf("resolve %s: too much contention", id)
}

func (s *RedisStore) MarkResumed(ctx context.Context, id uuid.UUID, at time.Time) error {
	key := s.contKey(id)
	txf := func(tx *redis.Tx) error {
		cont, err := getJSON[model.Continuation](ctx, tx, key)
		if err != nil {
			return err
		}
		if cont.ResumedAt != nil {
			return nil
		}
		cont.ResumedAt = &at
		raw, err := json.Marshal(cont)
		if err != nil {
			return fmt.Errorf("encode continuation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SRem(ctx, s.unresumedKey(), id.String())
			return nil
		})
		return err
	}
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mark resumed %s: too much contention", id)
}

func (s *RedisStore) ListUnresumed(ctx context.Context) ([]Resolution, error) {
	ids, err := s.client.SMembers(ctx, s.unresumedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list unresumed ids: %w", err)
	}
	var out []Resolution
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		cont, err := getJSON[model.Continuation](ctx, s.client, s.contKey(id))
		if err != nil {
			return nil, err
		}
		if cont.ResumedAt == nil {
			out = append(out, Resolution{Request: req, Continuation: cont})
		}
	}
	slices.SortFunc(out, func(a, b Resolution) int {
		return a.Request.ResolvedAt.Compare(*b.Request.ResolvedAt)
	})
	return out, nil
}

// getter is satisfied by both clients and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (T, error) {
	var v T
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}
