// Package delivery implements the Delivery Engine (C4): intake validation
// and persistence, and the per-attempt worker path that claims an event,
// consults the rate limiter, posts downstream, classifies the result, and
// records the outcome.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"webhook-delivery-pipeline/internal/config"
	"webhook-delivery-pipeline/internal/models"
	"webhook-delivery-pipeline/internal/queue"
	"webhook-delivery-pipeline/internal/ratelimit"
	"webhook-delivery-pipeline/internal/signing"
	"webhook-delivery-pipeline/internal/store"
	"webhook-delivery-pipeline/internal/telemetry"
)

var (
	// ErrInvalidSignature is returned by Intake when the HMAC header does not
	// match the request body.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrBadRequest is returned by Intake when the body is not valid JSON.
	ErrBadRequest = errors.New("malformed request body")
)

// Classification is the outcome of inspecting one delivery attempt.
type Classification int

const (
	ClassifySuccess Classification = iota
	ClassifyRetryable
	ClassifyPermanent
)

// IntakeResult mirrors spec.md §6.1's {id, duplicate} response element.
type IntakeResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// inboundElement is the recognized shape of one intake payload element; any
// other fields in the source object are preserved verbatim in the stored
// payload bytes.
type inboundElement struct {
	IdempotencyKey *string `json:"idempotency_key"`
	EventType      *string `json:"event_type"`
}

// Engine wires the store, queue, rate limiter, and downstream HTTP client
// together to implement the intake and worker paths of spec.md §4.4.
type Engine struct {
	Store   *store.Store
	Queue   *queue.Queue
	Limiter *ratelimit.FixedWindowLimiter
	HTTP    *http.Client
	Config  config.Config
	Logger  *telemetry.Logger
}

// New builds an Engine from its collaborators and config.
func New(st *store.Store, q *queue.Queue, limiter *ratelimit.FixedWindowLimiter, cfg config.Config, logger *telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Engine{
		Store:   st,
		Queue:   q,
		Limiter: limiter,
		HTTP:    &http.Client{Timeout: cfg.HTTPTimeout},
		Config:  cfg,
		Logger:  logger,
	}
}

// Intake implements spec.md §4.4.1: verify signature, parse body (single
// object or array), insert each element, enqueue freshly inserted events.
func (e *Engine) Intake(ctx context.Context, signatureHex string, body []byte) ([]IntakeResult, error) {
	if !signing.Verify(e.Config.HMACSecret, body, signatureHex) {
		return nil, ErrInvalidSignature
	}

	elements, rawPayloads, err := parseBatch(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	results := make([]IntakeResult, 0, len(elements))
	now := time.Now().UTC()
	for i, el := range elements {
		ev := models.Event{
			IdempotencyKey: el.IdempotencyKey,
			EventType:      el.EventType,
			Payload:        rawPayloads[i],
			Signature:      signatureHex,
			Status:         models.StatusReceived,
			ReceivedAt:     now,
		}

		id, outcome, err := e.Store.Insert(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}

		if outcome == store.Duplicate {
			results = append(results, IntakeResult{ID: id, Duplicate: true})
			continue
		}

		telemetry.EventsReceived.Inc()
		if err := e.Queue.Enqueue(ctx, id, now); err != nil {
			return nil, fmt.Errorf("enqueue event %s: %w", id, err)
		}
		results = append(results, IntakeResult{ID: id, Duplicate: false})
	}
	return results, nil
}

// parseBatch accepts either a single JSON object or a JSON array of objects,
// returning the decoded recognized fields and the raw bytes of each element
// (preserved verbatim as the stored payload).
func parseBatch(body []byte) ([]inboundElement, [][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, errors.New("empty body")
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, nil, err
		}
		elements := make([]inboundElement, len(raw))
		payloads := make([][]byte, len(raw))
		for i, r := range raw {
			var el inboundElement
			if err := json.Unmarshal(r, &el); err != nil {
				return nil, nil, err
			}
			elements[i] = el
			payloads[i] = []byte(r)
		}
		return elements, payloads, nil
	}

	var el inboundElement
	if err := json.Unmarshal(trimmed, &el); err != nil {
		return nil, nil, err
	}
	return []inboundElement{el}, [][]byte{trimmed}, nil
}

// Backoff computes B(n) = base * factor^(n-1), capped, per spec.md §4.4.2.
func Backoff(cfg config.Config, n int) time.Duration {
	base := cfg.BackoffBaseSeconds
	factor := cfg.BackoffFactor
	capSecs := cfg.BackoffCapSeconds
	secs := base * math.Pow(factor, float64(n-1))
	if secs > capSecs {
		secs = capSecs
	}
	return time.Duration(secs * float64(time.Second))
}

// ProcessDelivery implements the worker path of spec.md §4.4.2 for one
// dequeued event ID. A nil return tells the queue to Ack; a non-nil return
// leaves the item in-flight for visibility-timeout redelivery.
func (e *Engine) ProcessDelivery(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	staleBefore := now.Add(-e.Config.ClaimStaleSeconds)

	ev, outcome, err := e.Store.Claim(ctx, eventID, now, staleBefore)
	if err != nil {
		return fmt.Errorf("claim %s: %w", eventID, err)
	}
	if outcome == store.NotClaimable {
		return nil
	}

	claimedAt := now
	if ev.ClaimedAt != nil {
		claimedAt = *ev.ClaimedAt
	}

	if err := e.Limiter.Acquire(ctx, now, e.Config.AcquireTimeout); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			telemetry.RateLimitRejects.Inc()

			// Does not consume an attempt slot (spec.md §4.4.2 step 2): release
			// the claim back to RECEIVED before re-enqueueing, fenced on the
			// claim we hold, so a concurrent stale-reclaim wins cleanly instead
			// of leaving the event stuck in DELIVERING forever.
			releaseOutcome, relErr := e.Store.Release(ctx, eventID, claimedAt)
			if relErr != nil {
				return fmt.Errorf("release claim for %s: %w", eventID, relErr)
			}
			if releaseOutcome == store.Conflict {
				return nil
			}

			delay := Backoff(e.Config, ev.AttemptCount+1)
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			return e.Queue.Enqueue(ctx, eventID, now.Add(delay))
		}
		return fmt.Errorf("rate limiter: %w", err)
	}

	attemptN := ev.AttemptCount + 1
	start := time.Now()
	httpStatus, deliverErr := e.post(ctx, ev)
	telemetry.DeliveryLatency.Observe(time.Since(start).Seconds())

	classification, errKind := classify(httpStatus, deliverErr)
	attempt := models.Attempt{
		N:          attemptN,
		At:         time.Now().UTC(),
		HTTPStatus: httpStatus,
		Success:    classification == ClassifySuccess,
		Error:      errKind,
	}

	if classification == ClassifySuccess {
		telemetry.DeliveriesSucceed.Inc()
	} else {
		telemetry.DeliveriesFailed.Inc()
	}
	if attemptN > 1 {
		telemetry.RetryAttempts.Inc()
	}

	return e.recordOutcome(ctx, eventID, claimedAt, attempt, classification)
}

func (e *Engine) recordOutcome(ctx context.Context, eventID string, claimedAt time.Time, attempt models.Attempt, classification Classification) error {
	var terminal *string
	var nextAttemptAt *time.Time

	switch classification {
	case ClassifySuccess:
		s := models.StatusDelivered
		terminal = &s
	case ClassifyPermanent:
		s := models.StatusFailedPermanently
		terminal = &s
	case ClassifyRetryable:
		if attempt.N >= e.Config.MaxAttempts {
			s := models.StatusFailedPermanently
			terminal = &s
		} else {
			t := attempt.At.Add(Backoff(e.Config, attempt.N))
			nextAttemptAt = &t
		}
	}

	outcome, err := e.Store.RecordAttempt(ctx, eventID, claimedAt, attempt, terminal, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", eventID, err)
	}
	if outcome == store.Conflict {
		// Reclaimed by the stale-claim reaper elsewhere; abandon silently.
		return nil
	}

	if classification == ClassifyRetryable && terminal == nil {
		return e.Queue.Enqueue(ctx, eventID, *nextAttemptAt)
	}
	return nil
}

// post issues the downstream POST with the correlation header and returns
// the HTTP status observed (nil if no response was received) alongside any
// transport-level error.
func (e *Engine) post(ctx context.Context, ev models.Event) (*int, error) {
	url := e.Config.DownstreamURL + "/receive"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(ev.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.ID)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	return &status, nil
}

// classify implements spec.md §7's classification rule.
func classify(status *int, err error) (Classification, string) {
	if err != nil {
		return ClassifyRetryable, "network_error"
	}
	if status == nil {
		return ClassifyRetryable, "no_response"
	}
	switch {
	case *status >= 200 && *status < 300:
		return ClassifySuccess, ""
	case *status == 429 || *status >= 500:
		return ClassifyRetryable, fmt.Sprintf("http_%d", *status)
	default:
		return ClassifyPermanent, fmt.Sprintf("http_%d", *status)
	}
}
