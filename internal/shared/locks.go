package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RecalcLockKey builds redis keys for the per-client recalculation critical section.
func RecalcLockKey(clientID string) string {
	return fmt.Sprintf("baseline:client:%s:recalc:lock", clientID)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const defaultLockPoll = 50 * time.Millisecond

// Unlocker releases a held lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// ClientLocker serialises recalculation runs per client using redis.
type ClientLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewClientLocker constructs a locker. A zero wait rejects contended acquisitions with ErrBusy;
// a positive wait blocks up to that long before giving up.
func NewClientLocker(client redis.Cmdable, ttl, wait time.Duration) *ClientLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ClientLocker{client: client, ttl: ttl, wait: wait, poll: defaultLockPoll}
}

// Acquire takes the client lock or fails with ErrBusy.
func (l *ClientLocker) Acquire(ctx context.Context, clientID string) (Unlocker, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker: redis client not configured")
	}
	if clientID == "" {
		return nil, errors.New("locker: client id required")
	}
	key := RecalcLockKey(clientID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, Persistence("locker: acquire", err)
		}
		if ok {
			return &lease{client: l.client, key: key, token: token}, nil
		}
		if l.wait <= 0 || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("client %s: %w", clientID, ErrBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

type lease struct {
	client redis.Cmdable
	key    string
	token  string
}

// Release drops the lock if it is still ours. Releasing twice is harmless.
func (l *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("locker: release %s: %w", l.key, err)
	}
	return nil
}
