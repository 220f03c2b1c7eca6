package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	routeKeyPrefix    = "ledgerline:route:"
	previousKeySuffix = ":previous"
	cutoverLockSuffix = ":cutover"

	cutoverLockTTL = 30 * time.Second
)

// Router is the Redis-backed routing pointer readers consult to find the
// current read-model namespace of a projection. Cutover swaps the pointer in
// one write; the previous target is kept under a TTL so a bad cutover can be
// rolled back within the grace period.
type Router struct {
	rdb   redis.UniversalClient
	grace time.Duration
}

// NewRouter creates a router. grace bounds how long Rollback stays possible
// after a cutover; zero defaults to one hour.
func NewRouter(rdb redis.UniversalClient, grace time.Duration) *Router {
	if grace <= 0 {
		grace = time.Hour
	}
	return &Router{rdb: rdb, grace: grace}
}

// Resolve returns the namespace reads of projection should hit. Without a
// pointer the namespace is the projection name itself.
func (r *Router) Resolve(ctx context.Context, projection string) (string, error) {
	ns, err := r.rdb.Get(ctx, routeKeyPrefix+projection).Result()
	if errors.Is(err, redis.Nil) {
		return projection, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve route for %s: %w", projection, err)
	}
	return ns, nil
}

// Cutover points reads of projection at namespace and returns the namespace
// they came from. The old pointer is retained for the grace period.
func (r *Router) Cutover(ctx context.Context, projection, namespace string) (string, error) {
	previous, err := r.Resolve(ctx, projection)
	if err != nil {
		return "", err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, routeKeyPrefix+projection+previousKeySuffix, previous, r.grace)
	pipe.Set(ctx, routeKeyPrefix+projection, namespace, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("cutover route for %s: %w", projection, err)
	}
	return previous, nil
}

// AcquireCutoverLock takes the per-projection mutex that serializes cutovers.
// The pointer flip and the registry transition are two writes; the lock keeps
// concurrent cutovers of different replays for the same projection from
// interleaving between them. The TTL bounds how long a crashed holder can
// block the next attempt.
func (r *Router) AcquireCutoverLock(ctx context.Context, projection string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, routeKeyPrefix+projection+cutoverLockSuffix, "1", cutoverLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cutover lock for %s: %w", projection, err)
	}
	return ok, nil
}

// ReleaseCutoverLock drops the cutover mutex.
func (r *Router) ReleaseCutoverLock(ctx context.Context, projection string) error {
	if err := r.rdb.Del(ctx, routeKeyPrefix+projection+cutoverLockSuffix).Err(); err != nil {
		return fmt.Errorf("release cutover lock for %s: %w", projection, err)
	}
	return nil
}

// Rollback restores the pre-cutover namespace. Once the grace key has
// expired there is nothing left to roll back to.
func (r *Router) Rollback(ctx context.Context, projection string) (string, error) {
	previous, err := r.rdb.Get(ctx, routeKeyPrefix+projection+previousKeySuffix).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("no rollback target for %s: grace period expired", projection)
	}
	if err != nil {
		return "", fmt.Errorf("load rollback target for %s: %w", projection, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, routeKeyPrefix+projection, previous, 0)
	pipe.Del(ctx, routeKeyPrefix+projection+previousKeySuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("rollback route for %s: %w", projection, err)
	}
	return previous, nil
}

// RollbackDeadline reports when the rollback window closes, or false when no
// window is open.
func (r *Router) RollbackDeadline(ctx context.Context, projection string) (time.Time, bool, error) {
	ttl, err := r.rdb.TTL(ctx, routeKeyPrefix+projection+previousKeySuffix).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rollback deadline for %s: %w", projection, err)
	}
	if ttl < 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(ttl), true, nil
}
