package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryWindow is an in-process Window. Events older than retention are
// pruned on Record; Count never looks further back than retention.
type MemoryWindow struct {
	retention time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryWindow creates a window that keeps events for retention.
func NewMemoryWindow(retention time.Duration) *MemoryWindow {
	return &MemoryWindow{
		retention: retention,
		events:    make(map[string][]time.Time),
	}
}

func (w *MemoryWindow) Count(_ context.Context, key string, span time.Duration, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	from := now.Add(-min(span, w.retention))
	n := 0
	for _, t := range w.events[key] {
		if t.After(from) && !t.After(now) {
			n++
		}
	}
	return n, nil
}

func (w *MemoryWindow) Record(_ context.Context, key string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.retention)
	kept := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events[key] = append(kept, now)
	return nil
}

// RedisWindow is a Window backed by one Redis sorted set per key, scored by
// event time in microseconds. Instances sharing a Redis share counts.
type RedisWindow struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisWindow creates a window storing keys under prefix.
func NewRedisWindow(client redis.UniversalClient, prefix string, retention time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, retention: retention}
}

func (w *RedisWindow) key(k string) string { return w.prefix + k }

func (w *RedisWindow) Count(ctx context.Context, key string, span time.Duration, now time.Time) (int, error) {
	from := now.Add(-min(span, w.retention)).UnixMicro()
	n, err := w.client.ZCount(ctx, w.key(key),
		"("+strconv.FormatInt(from, 10),
		strconv.FormatInt(now.UnixMicro(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: window count: %w", err)
	}
	return int(n), nil
}

func (w *RedisWindow) Record(ctx context.Context, key string, now time.Time) error {
	k := w.key(key)
	ts := now.UnixMicro()
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(ts), Member: strconv.FormatInt(ts, 10) + ":" + uuid.NewString()})
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(now.Add(-w.retention).UnixMicro(), 10))
		pipe.PExpire(ctx, k, w.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ratelimit: window record: %w", err)
	}
	return nil
}
