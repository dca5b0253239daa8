package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	json "github.com/goccy/go-json"
	c "github.com/patrickmn/go-cache"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// DefaultIdempotencyTTL is the duplicate-detection window used when
// WithIdempotency is given a non-positive ttl.
const DefaultIdempotencyTTL = 10 * time.Minute

// Guard claims idempotency keys. Acquire returns false when the key is
// already held inside its window.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// IdempotencyKey derives the duplicate-firing key of a run request. Map keys
// are marshalled in sorted order so equal payloads give equal keys.
func IdempotencyKey(workflowID string, triggerData map[string]any, entityID string) (string, error) {
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	payload, err := json.Marshal(triggerData)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "trigger data is not serializable: %v", err).WithCause(err)
	}
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	cache *c.Cache
}

// NewMemoryGuard creates a MemoryGuard that sweeps expired keys every
// cleanup interval.
func NewMemoryGuard(cleanup time.Duration) *MemoryGuard {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryGuard{cache: c.New(DefaultIdempotencyTTL, cleanup)}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when an unexpired item exists.
	if err := g.cache.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.cache.Delete(key)
	return nil
}

// RedisConfig configures a RedisGuard.
type RedisConfig struct {
	Addrs     []string
	Namespace string
}

// RedisGuard shares idempotency keys across processes through Redis SETNX.
type RedisGuard struct {
	client    rd.UniversalClient
	namespace string
}

// NewRedisGuard creates a guard over a universal client (single node,
// sentinel or cluster depending on the address list).
func NewRedisGuard(conf RedisConfig) *RedisGuard {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	return NewRedisGuardWithClient(client, conf.Namespace)
}

// NewRedisGuardWithClient wraps an existing client.
func NewRedisGuardWithClient(client rd.UniversalClient, namespace string) *RedisGuard {
	if namespace == "" {
		namespace = "revos"
	}
	return &RedisGuard{client: client, namespace: namespace}
}

func (g *RedisGuard) namespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", g.namespace, strings.Join(args, ":"))
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.namespaceKey("idem", key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "idempotency acquire: %s", err.Error()).WithCause(err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.namespaceKey("idem", key)).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "idempotency release: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Close closes the underlying client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

var (
	_ Guard = (*MemoryGuard)(nil)
	_ Guard = (*RedisGuard)(nil)
)
