package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"device-dispatch/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		Categories:        []string{"message", "media", "group"},
		VisibilityTimeout: 30 * time.Second,
	}
	return NewRedisQueueWithClient(client, cfg), mr
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	base := time.Now().Add(-time.Minute)
	// Same priority: FIFO by creation time. Higher priority beats older tasks.
	if err := q.Enqueue(ctx, "old-low", "message", 0, base, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "new-low", "message", 0, base.Add(time.Second), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "late-high", "message", 5, base.Add(2*time.Second), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{"late-high", "old-low", "new-low"}
	for i, expected := range want {
		got, err := q.Claim(ctx, "message")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("claim %d: expected %s got %s", i, expected, got)
		}
	}

	got, err := q.Claim(ctx, "message")
	if err != nil || got != "" {
		t.Fatalf("expected empty queue, got %q err %v", got, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "only", "message", 0, time.Now(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	winners := 0
	for i := 0; i < 5; i++ {
		id, err := q.Claim(ctx, "message")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if id == "only" {
			winners++
		} else if id != "" {
			t.Fatalf("unexpected task %q", id)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", winners)
	}
}

func TestScheduledTasksHeldBack(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	future := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, "later", "message", 0, time.Now(), &future); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if id, _ := q.Claim(ctx, "message"); id != "" {
		t.Fatalf("scheduled task claimed early: %s", id)
	}
	if n, err := q.PromoteScheduled(ctx, time.Now(), 10); err != nil || n != 0 {
		t.Fatalf("expected no promotion before due time, got n=%d err=%v", n, err)
	}

	// After the due time, promotion makes it claimable.
	if n, err := q.PromoteScheduled(ctx, future.Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected one promotion, got n=%d err=%v", n, err)
	}
	if id, err := q.Claim(ctx, "message"); err != nil || id != "later" {
		t.Fatalf("expected claim after promotion, got %q err %v", id, err)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "leaky", "media", 2, time.Now(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.Claim(ctx, "media"); id != "leaky" {
		t.Fatalf("expected claim, got %q", id)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "leaky" {
		t.Fatalf("expected leaky reclaimed, got %v", ids)
	}
	if id, _ := q.Claim(ctx, "media"); id != "leaky" {
		t.Fatalf("expected reclaimed task claimable, got %q", id)
	}
}

func TestRemoveAndDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "doomed", "group", 0, time.Now(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, "doomed"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if id, _ := q.Claim(ctx, "group"); id != "" {
		t.Fatalf("removed task still claimable: %s", id)
	}

	if err := q.DLQPush(ctx, "dead-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "dead-1" {
		t.Fatalf("dlq peek: items=%v err=%v", items, err)
	}
}
