package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"webhook-delivery-pipeline/internal/config"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	cfg := config.Config{RedisAddr: mr.Addr(), QueueVisibility: 50 * time.Millisecond}
	return New(cfg), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	defer mr.Close()

	if err := q.Enqueue(ctx, "evt-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "evt-1" {
		t.Fatalf("expected evt-1, got %q", id)
	}

	// Nothing else ready.
	id2, err := q.Dequeue(ctx)
	if err != nil || id2 != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", id2, err)
	}

	if err := q.Ack(ctx, "evt-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestEnqueueDelaysFutureItems(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	defer mr.Close()

	future := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, "evt-delayed", future); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.Dequeue(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected delayed item to not be ready yet, got %q err=%v", id, err)
	}

	n, err := q.PromoteScheduled(ctx, future.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}

	id, err = q.Dequeue(ctx)
	if err != nil || id != "evt-delayed" {
		t.Fatalf("expected evt-delayed ready after promotion, got %q err=%v", id, err)
	}
}

func TestRequeueExpiredReclaimsAbandonedLease(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	defer mr.Close()

	if err := q.Enqueue(ctx, "evt-crash", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	// Simulate worker crash: never Ack. After the visibility timeout elapses
	// the item must be reclaimable by another worker.
	time.Sleep(75 * time.Millisecond)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "evt-crash" {
		t.Fatalf("expected evt-crash reclaimed, got %v", reclaimed)
	}

	id, err := q.Dequeue(ctx)
	if err != nil || id != "evt-crash" {
		t.Fatalf("expected evt-crash ready again, got %q err=%v", id, err)
	}
}

func TestConsumeAcksOnSuccessAndLeavesInFlightOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, mr := newTestQueue(t)
	defer mr.Close()

	if err := q.Enqueue(ctx, "evt-ok", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "evt-fail", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seen := make(chan string, 2)
	go func() {
		_ = q.Consume(ctx, 5*time.Millisecond, func(_ context.Context, eventID string) error {
			seen <- eventID
			if eventID == "evt-fail" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-seen:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for consume")
		}
	}
	if !got["evt-ok"] || !got["evt-fail"] {
		t.Fatalf("expected both events consumed, got %v", got)
	}
	cancel()

	// evt-ok was Ack'd (removed from inflight); evt-fail remains in-flight
	// until the visibility timeout reclaims it.
	depth, err := q.client.ZCard(context.Background(), q.inflightKey).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected 1 item still in-flight (the failed one), got %d", depth)
	}
}
