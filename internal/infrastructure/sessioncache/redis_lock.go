// Package sessioncache provides the distributed counterpart to
// browser.LockTable: when multiple agent processes share one browser pool,
// session_attachment_mode "shared"/"strict" needs a lock that lives outside
// any one process's memory.
package sessioncache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

// RedisLockTable implements browser.Locker against a shared Redis instance,
// using a per-session key holding the claiming run's id with a lease TTL
// so a crashed holder doesn't wedge the session forever.
type RedisLockTable struct {
	client   *redis.Client
	logger   *zap.Logger
	keyPrefix string
	leaseTTL  time.Duration
	pollEvery time.Duration
}

// NewRedisLockTable connects to addr and returns a table keyed under
// "<keyPrefix>:session:<id>". leaseTTL bounds how long a claim survives
// without renewal; pollEvery is how often a shared-mode waiter re-checks
// for release (Redis pub/sub would avoid the poll, but a short poll keeps
// this dependency-light and matches the bounded-wait style
// replay.go's reidentify already uses elsewhere in this codebase).
func NewRedisLockTable(addr, keyPrefix string, leaseTTL, pollEvery time.Duration, logger *zap.Logger) *RedisLockTable {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &RedisLockTable{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		logger:    logger,
		keyPrefix: keyPrefix,
		leaseTTL:  leaseTTL,
		pollEvery: pollEvery,
	}
}

var _ browser.Locker = (*RedisLockTable)(nil)

func (t *RedisLockTable) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", t.keyPrefix, sessionID)
}

// Claim mirrors browser.LockTable.Claim's semantics over Redis: copy mode
// always succeeds, strict mode fails fast if another run holds the key,
// shared mode polls until the key is free or ctx is done.
func (t *RedisLockTable) Claim(ctx context.Context, mode browser.AttachmentMode, sessionID, runID string) error {
	if mode == browser.AttachmentCopy {
		return nil
	}

	key := t.key(sessionID)
	for {
		ok, err := t.client.SetNX(ctx, key, runID, t.leaseTTL).Result()
		if err != nil {
			return fmt.Errorf("sessioncache: claim %s: %w", sessionID, err)
		}
		if ok {
			return nil
		}

		holder, err := t.client.Get(ctx, key).Result()
		if err == nil && holder == runID {
			// Already ours (e.g. a lease renewal race) — extend and proceed.
			t.client.Expire(ctx, key, t.leaseTTL)
			return nil
		}

		if mode == browser.AttachmentStrict {
			return &browser.ErrSessionBusy{SessionID: sessionID, HeldBy: holder}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollEvery):
		}
	}
}

// Release drops the session key if runID currently holds it, verified with
// a small Lua script so a lease that already expired and was reclaimed by
// another run is never stolen back.
func (t *RedisLockTable) Release(sessionID, runID string) {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`
	ctx := context.Background()
	if err := t.client.Eval(ctx, script, []string{t.key(sessionID)}, runID).Err(); err != nil && err != redis.Nil {
		t.logger.Warn("sessioncache: release failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Close releases the underlying Redis connection pool.
func (t *RedisLockTable) Close() error {
	return t.client.Close()
}
