package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "processing:lock:"

// releaseScript deletes the lock only when the caller still owns it, so
// a holder whose lease expired cannot release a lock acquired by someone
// else in the meantime.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ProcessingLock serializes turn processing per conversation. Each
// acquisition is a lease: if the holder dies, the TTL frees the
// conversation instead of wedging it forever.
type ProcessingLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProcessingLock(client *redis.Client, ttl time.Duration) *ProcessingLock {
	if client == nil {
		panic("conversation: redis client is required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ProcessingLock{client: client, ttl: ttl}
}

// Acquire attempts to take the conversation lock. It returns a release
// token and true on success, or false when another turn holds the lock.
func (l *ProcessingLock) Acquire(ctx context.Context, deviceID, phone string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockPrefix+deviceID+":"+phone, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("conversation: acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it. Releasing an expired or
// stolen lock is a no-op.
func (l *ProcessingLock) Release(ctx context.Context, deviceID, phone, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockPrefix + deviceID + ":" + phone}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("conversation: release lock: %w", err)
	}
	return nil
}

// Held reports whether the conversation is currently locked.
func (l *ProcessingLock) Held(ctx context.Context, deviceID, phone string) (bool, error) {
	n, err := l.client.Exists(ctx, lockPrefix+deviceID+":"+phone).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: check lock: %w", err)
	}
	return n > 0, nil
}
