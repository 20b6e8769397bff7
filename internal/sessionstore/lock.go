package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockTTL bounds how long a crashed holder can block others. Commands finish
// well inside it; the TTL only matters when a worker dies mid-execution.
const LockTTL = 30 * time.Second

// releaseScript deletes the lock only when the caller still holds it, so a
// slow worker cannot release a lock that expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is one held distributed lock.
type Lock struct {
	store *Store
	key   string
	token string
}

// AcquireLock takes the named lock. Returns nil and false when another holder
// has it; the caller decides whether to wait or give up.
func (s *Store) AcquireLock(ctx context.Context, name string) (*Lock, bool, error) {
	key := "lock:" + name
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sessionstore: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, key: key, token: token}, true, nil
}

// Release gives the lock back. Releasing an expired lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.store.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("sessionstore: release lock %s: %w", l.key, err)
	}
	return nil
}
