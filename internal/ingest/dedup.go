package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper collapses repeats of one (token, kind) pair inside a window.
type Deduper interface {
	// FirstSeen marks the pair and reports whether it was new.
	FirstSeen(ctx context.Context, token, kind string, at time.Time, window time.Duration) (bool, error)
	// Forget releases the mark so a failed write can be retried.
	Forget(ctx context.Context, token, kind string) error
}

func dedupKey(token, kind string) string {
	return "dedup:" + token + ":" + kind
}

// MemoryDeduper serves a single process.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	calls int
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]time.Time{}}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, token, kind string, at time.Time, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.calls%1024 == 0 {
		for k, t := range d.seen {
			if at.Sub(t) > window {
				delete(d.seen, k)
			}
		}
	}

	key := dedupKey(token, kind)
	if prev, ok := d.seen[key]; ok {
		diff := at.Sub(prev)
		if diff < 0 {
			diff = -diff
		}
		if diff < window {
			return false, nil
		}
	}
	d.seen[key] = at
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, token, kind string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, dedupKey(token, kind))
	return nil
}

// RedisDeduper shares the window across orchestrator processes with SETNX.
type RedisDeduper struct {
	rc *redis.Client
}

func NewRedisDeduper(rc *redis.Client) *RedisDeduper {
	return &RedisDeduper{rc: rc}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, token, kind string, at time.Time, window time.Duration) (bool, error) {
	ok, err := d.rc.SetNX(ctx, dedupKey(token, kind), at.UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, token, kind string) error {
	return d.rc.Del(ctx, dedupKey(token, kind)).Err()
}

// DialRedis parses url and verifies connectivity.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rc := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}
