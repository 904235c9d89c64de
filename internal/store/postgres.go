// Package store implements the Event Store (C1): a durable record of events
// and their per-attempt history, with atomic status transitions and
// idempotency-key uniqueness, backed by Postgres via pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"webhook-delivery-pipeline/internal/models"
)

// ErrNotFound is returned by Get when no event with the given id exists.
var ErrNotFound = errors.New("event not found")

// InsertOutcome reports whether Insert created a new row or reused an
// existing one via idempotency key collision.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

// ClaimOutcome reports whether Claim's compare-and-set succeeded.
type ClaimOutcome int

const (
	Claimed ClaimOutcome = iota
	NotClaimable
)

// RecordOutcome reports whether RecordAttempt's compare-and-set succeeded.
type RecordOutcome int

const (
	Recorded RecordOutcome = iota
	Conflict
)

// Store wraps pgxpool for Postgres persistence of events.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Insert inserts an event with status=RECEIVED. If idempotency_key is
// present and collides with an existing record, it returns Duplicate with
// the existing id and does not insert a new row. Otherwise it assigns a new
// id and returns Inserted.
func (s *Store) Insert(ctx context.Context, ev models.Event) (id string, outcome InsertOutcome, err error) {
	id = uuid.New().String()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, idempotency_key, event_type, payload, signature, status, received_at, attempts, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]'::jsonb, 0)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, id, ev.IdempotencyKey, ev.EventType, ev.Payload, ev.Signature, models.StatusReceived, ev.ReceivedAt)
	if err != nil {
		return "", 0, fmt.Errorf("insert event: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return id, Inserted, nil
	}

	// The insert lost a race against an existing idempotency key; find it.
	if ev.IdempotencyKey == nil {
		return "", 0, errors.New("insert affected no rows but no idempotency key was set")
	}
	existingID, err := s.findByIdempotencyKey(ctx, *ev.IdempotencyKey)
	if err != nil {
		return "", 0, err
	}
	return existingID, Duplicate, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM events WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("idempotency key %q has no matching event: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query idempotency key: %w", err)
	}
	return id, nil
}

// Claim atomically transitions an event to DELIVERING and sets claimed_at=now
// iff its current status is RECEIVED, or its current status is DELIVERING
// with claimed_at < staleBefore (reclaiming abandoned work).
func (s *Store) Claim(ctx context.Context, id string, now, staleBefore time.Time) (models.Event, ClaimOutcome, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE events
		SET status = $2, claimed_at = $3
		WHERE id = $1
		  AND (status = $4 OR (status = $2 AND claimed_at < $5))
		RETURNING id, idempotency_key, event_type, payload, signature, status, received_at, claimed_at, attempts, attempt_count, next_attempt_at
	`, id, models.StatusDelivering, now, models.StatusReceived, staleBefore)

	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, NotClaimable, nil
	}
	if err != nil {
		return models.Event{}, 0, err
	}
	return ev, Claimed, nil
}

// Release returns a claimed event to RECEIVED without appending an attempt,
// for the local-rate-limit path of spec.md §4.4.2 step 2, which must not
// consume an attempt slot. Like RecordAttempt, it is fenced on claimedAt: if
// the event was reclaimed by another worker in the meantime this fails with
// Conflict and the caller must abandon rather than re-enqueue.
func (s *Store) Release(ctx context.Context, id string, claimedAt time.Time) (RecordOutcome, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $2
		WHERE id = $1 AND status = $3 AND claimed_at = $4
	`, id, models.StatusReceived, models.StatusDelivering, claimedAt)
	if err != nil {
		return 0, fmt.Errorf("release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Conflict, nil
	}
	return Recorded, nil
}

// RecordAttempt appends attempt to the attempts sequence, increments
// attempt_count, and sets status to terminalStatus if provided, otherwise
// resets status=RECEIVED and sets next_attempt_at. claimedAt must be the
// claimed_at value the caller observed from its own Claim: the write is
// fenced on it, so if another worker has since reclaimed the event (its
// claimed_at moved forward) this fails with Conflict rather than silently
// appending a second attempt alongside the new claimant's.
func (s *Store) RecordAttempt(ctx context.Context, id string, claimedAt time.Time, attempt models.Attempt, terminalStatus *string, nextAttemptAt *time.Time) (RecordOutcome, error) {
	attemptJSON, err := json.Marshal([]models.Attempt{attempt})
	if err != nil {
		return 0, fmt.Errorf("marshal attempt: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET attempts = attempts || $2::jsonb,
		    attempt_count = attempt_count + 1,
		    status = COALESCE($3, $4),
		    next_attempt_at = CASE WHEN $3 IS NOT NULL THEN next_attempt_at ELSE $5 END
		WHERE id = $1 AND status = $6 AND claimed_at = $7
	`, id, attemptJSON, terminalStatus, models.StatusReceived, nextAttemptAt, models.StatusDelivering, claimedAt)
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Conflict, nil
	}
	return Recorded, nil
}

// Get returns the full snapshot for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, idempotency_key, event_type, payload, signature, status, received_at, claimed_at, attempts, attempt_count, next_attempt_at
		FROM events WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	return ev, err
}

// SearchFilter restricts the result set of Search.
type SearchFilter struct {
	Statuses  []string
	EventType *string
	From, To  *time.Time
	Skip      int
	Limit     int
}

// HourlyBucket is one point of the received_at histogram.
type HourlyBucket struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
}

// Aggregates are the read-only rollups the search endpoint exposes alongside
// its page of results.
type Aggregates struct {
	ByStatus map[string]int64 `json:"by_status"`
	ByType   map[string]int64 `json:"by_type"`
	Hourly   []HourlyBucket   `json:"hourly"`
}

// SearchResult is the page of events plus aggregates over the filtered set.
type SearchResult struct {
	Items      []models.Event `json:"items"`
	Aggregates Aggregates     `json:"aggregates"`
}

// Search is a read-only projection over the event store: status set,
// received_at range, event_type equality, skip/limit, ordered by received_at
// descending with id as a tiebreak. It also computes count-by-status,
// count-by-type, and an hourly histogram of received_at over the same filter.
func (s *Store) Search(ctx context.Context, filter SearchFilter) (SearchResult, error) {
	where, args := buildWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	skip := filter.Skip
	if skip < 0 {
		skip = 0
	}

	listArgs := append(append([]any{}, args...), limit, skip)
	limitPos := len(args) + 1
	skipPos := len(args) + 2
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, idempotency_key, event_type, payload, signature, status, received_at, claimed_at, attempts, attempt_count, next_attempt_at
		FROM events
		%s
		ORDER BY received_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, limitPos, skipPos), listArgs...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var items []models.Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return SearchResult{}, fmt.Errorf("scan search row: %w", err)
		}
		items = append(items, ev)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, fmt.Errorf("search rows: %w", err)
	}

	byStatus, err := s.countGroupBy(ctx, "status", where, args)
	if err != nil {
		return SearchResult{}, err
	}
	// Events without an event_type bucket under the empty-string key rather
	// than being dropped, matching the original's aggregate counts.
	byType, err := s.countGroupBy(ctx, "COALESCE(event_type, '')", where, args)
	if err != nil {
		return SearchResult{}, err
	}

	hourly, err := s.hourlyHistogram(ctx, where, args)
	if err != nil {
		return SearchResult{}, err
	}

	return SearchResult{
		Items: items,
		Aggregates: Aggregates{
			ByStatus: byStatus,
			ByType:   byType,
			Hourly:   hourly,
		},
	}, nil
}

func (s *Store) countGroupBy(ctx context.Context, column, where string, args []any) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s AS key, COUNT(*) FROM events %s GROUP BY key
	`, column, where), args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by %s: %w", column, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		out[key] = count
	}
	return out, rows.Err()
}

func (s *Store) hourlyHistogram(ctx context.Context, where string, args []any) ([]HourlyBucket, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT date_trunc('hour', received_at) AS bucket, COUNT(*)
		FROM events
		%s
		GROUP BY bucket
		ORDER BY bucket ASC
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("hourly histogram: %w", err)
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// buildWhere renders the filter into a "WHERE ..." clause (or "" if
// unconstrained) and its positional arguments.
func buildWhere(filter SearchFilter) (string, []any) {
	var clauses []string
	var args []any
	pos := 1

	if len(filter.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", pos))
		args = append(args, filter.Statuses)
		pos++
	}
	if filter.EventType != nil {
		clauses = append(clauses, fmt.Sprintf("event_type = $%d", pos))
		args = append(args, *filter.EventType)
		pos++
	}
	if filter.From != nil {
		clauses = append(clauses, fmt.Sprintf("received_at >= $%d", pos))
		args = append(args, *filter.From)
		pos++
	}
	if filter.To != nil {
		clauses = append(clauses, fmt.Sprintf("received_at <= $%d", pos))
		args = append(args, *filter.To)
		pos++
	}

	if len(clauses) == 0 {
		return "", args
	}
	where := "WHERE "
	for i, c := range clauses {
		if i > 0 {
			where += " AND "
		}
		where += c
	}
	return where, args
}

// row is the subset of pgx.Row / pgx.Rows that scanEvent needs.
type row interface {
	Scan(dest ...any) error
}

func scanEvent(r row) (models.Event, error) {
	var ev models.Event
	var idem, eventType pgtype.Text
	var claimedAt, nextAttemptAt pgtype.Timestamptz
	var attemptsJSON []byte

	if err := r.Scan(&ev.ID, &idem, &eventType, &ev.Payload, &ev.Signature, &ev.Status, &ev.ReceivedAt, &claimedAt, &attemptsJSON, &ev.AttemptCount, &nextAttemptAt); err != nil {
		return models.Event{}, err
	}

	ev.IdempotencyKey = textPtr(idem)
	ev.EventType = textPtr(eventType)
	ev.ClaimedAt = timePtr(claimedAt)
	ev.NextAttemptAt = timePtr(nextAttemptAt)

	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &ev.Attempts); err != nil {
			return models.Event{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return ev, nil
}

// scanEventRows exists because pgx.Rows and pgx.Row both satisfy Scan but are
// not the same interface type; Go generics would be overkill for one caller.
func scanEventRows(rows pgx.Rows) (models.Event, error) {
	return scanEvent(rows)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
