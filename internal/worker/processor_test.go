package worker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"webhook-delivery-pipeline/internal/config"
	"webhook-delivery-pipeline/internal/queue"
	"webhook-delivery-pipeline/internal/telemetry"
)

func TestPoolReapOncePromotesScheduled(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Config{RedisAddr: mr.Addr(), QueueVisibility: 20 * time.Millisecond, WorkerConcurrency: 1, WorkerPollInterval: 5 * time.Millisecond}
	q := queue.New(cfg)
	pool := &Pool{cfg: cfg, queue: q, logger: telemetry.Default()}

	ctx := context.Background()

	// Enqueue for a near-future time so it actually lands in the scheduled
	// set (not the ready list) and promotion has real work to do.
	notBefore := time.Now().Add(20 * time.Millisecond)
	if err := q.Enqueue(ctx, "evt-scheduled", notBefore); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if depth, err := q.ReadyDepth(ctx); err != nil || depth != 0 {
		t.Fatalf("expected item to not be ready yet, depth=%d err=%v", depth, err)
	}

	// Run the reap pass once the scheduled time has elapsed.
	pool.reapOnce(ctx, notBefore.Add(time.Millisecond))

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth == 0 {
		t.Fatalf("expected scheduled item promoted to ready, depth=%d", depth)
	}
}
