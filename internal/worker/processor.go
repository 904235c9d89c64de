// Package worker drives the delivery engine's worker path across a bounded
// pool of goroutines, plus a reaper that promotes due scheduled retries and
// reclaims abandoned leases.
package worker

import (
	"context"
	"sync"
	"time"

	"webhook-delivery-pipeline/internal/config"
	"webhook-delivery-pipeline/internal/delivery"
	"webhook-delivery-pipeline/internal/queue"
	"webhook-delivery-pipeline/internal/telemetry"
)

// Pool runs cfg.WorkerConcurrency consumers against the queue, each
// executing the delivery engine's worker path for every dequeued event.
type Pool struct {
	cfg    config.Config
	queue  *queue.Queue
	engine *delivery.Engine
	logger *telemetry.Logger
}

// NewPool constructs a worker pool.
func NewPool(cfg config.Config, q *queue.Queue, engine *delivery.Engine, logger *telemetry.Logger) *Pool {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Pool{cfg: cfg, queue: q, engine: engine, logger: logger}
}

// Run starts the bounded consumer pool and the reaper, blocking until ctx is
// cancelled. All goroutines exit before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(concurrency + 1)

	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			if err := p.queue.Consume(ctx, p.cfg.WorkerPollInterval, p.handle); err != nil {
				p.logger.Info("consumer stopped", telemetry.F("reason", err.Error()))
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) handle(ctx context.Context, eventID string) error {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.engine.ProcessDelivery(ctx, eventID); err != nil {
		p.logger.Error("delivery processing failed",
			telemetry.F("event_id", eventID),
			telemetry.F("error", err.Error()),
		)
		return err
	}
	return nil
}

// reap promotes due scheduled retries into the ready queue and reclaims
// leases abandoned by crashed workers. This is the queue's own
// crash-recovery path; C1's stale-claim reaper inside ProcessDelivery's
// Claim call is the defense-in-depth backstop against losing this one.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.reapOnce(ctx, time.Now())
	}
}

// reapOnce runs a single promote/reclaim pass. Split out from reap so it can
// be exercised directly in tests without waiting on the ticker.
func (p *Pool) reapOnce(ctx context.Context, now time.Time) {
	if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
		p.logger.Error("promote scheduled failed", telemetry.F("error", err.Error()))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Error("requeue expired failed", telemetry.F("error", err.Error()))
	} else if len(reclaimed) > 0 {
		p.logger.Info("reclaimed abandoned leases", telemetry.F("count", len(reclaimed)))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
