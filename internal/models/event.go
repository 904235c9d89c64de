package models

import "time"

// Event status constants form the DAG RECEIVED -> DELIVERING -> {DELIVERED, FAILED_PERMANENTLY},
// with a back-edge DELIVERING -> RECEIVED when a retryable attempt is recorded or a
// claim is released without an attempt. An abandoned DELIVERING claim stays
// DELIVERING until it goes stale and another worker reclaims it.
const (
	StatusReceived          = "RECEIVED"
	StatusDelivering        = "DELIVERING"
	StatusDelivered         = "DELIVERED"
	StatusFailedPermanently = "FAILED_PERMANENTLY"
)

// Attempt is a finalized record of one delivery try. Never mutated after append.
type Attempt struct {
	N          int       `json:"n"`
	At         time.Time `json:"at"`
	HTTPStatus *int      `json:"http_status,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Event is the durable record of a producer-originated message and its delivery history.
type Event struct {
	ID             string     `json:"id"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	EventType      *string    `json:"event_type,omitempty"`
	Payload        []byte     `json:"payload"`
	Signature      string     `json:"signature"`
	Status         string     `json:"status"`
	ReceivedAt     time.Time  `json:"received_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	Attempts       []Attempt  `json:"attempts"`
	AttemptCount   int        `json:"attempt_count"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}
