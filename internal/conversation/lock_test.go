package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLockMutualExclusion(t *testing.T) {
	_, client := newLockClient(t)
	lock := NewProcessingLock(client, time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "dev1", "+155500")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatalf("expected a release token")
	}

	_, ok, err = lock.Acquire(ctx, "dev1", "+155500")
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatalf("expected contention on held lock")
	}

	// A different conversation is unaffected.
	_, ok, err = lock.Acquire(ctx, "dev1", "+155501")
	if err != nil || !ok {
		t.Fatalf("expected independent conversation to acquire, ok=%v err=%v", ok, err)
	}
}

func TestLockReleaseRequiresToken(t *testing.T) {
	_, client := newLockClient(t)
	lock := NewProcessingLock(client, time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "dev1", "+155500")
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	if err := lock.Release(ctx, "dev1", "+155500", "not-the-token"); err != nil {
		t.Fatalf("release with wrong token errored: %v", err)
	}
	held, err := lock.Held(ctx, "dev1", "+155500")
	if err != nil || !held {
		t.Fatalf("expected lock still held after bogus release, held=%v err=%v", held, err)
	}

	if err := lock.Release(ctx, "dev1", "+155500", token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	held, err = lock.Held(ctx, "dev1", "+155500")
	if err != nil || held {
		t.Fatalf("expected lock freed, held=%v err=%v", held, err)
	}
}

func TestLockLeaseExpires(t *testing.T) {
	mr, client := newLockClient(t)
	lock := NewProcessingLock(client, time.Second)
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "dev1", "+155500")
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	_, ok, err = lock.Acquire(ctx, "dev1", "+155500")
	if err != nil || !ok {
		t.Fatalf("expected expired lease to be acquirable, ok=%v err=%v", ok, err)
	}
}
