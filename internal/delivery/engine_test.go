package delivery

import (
	"errors"
	"testing"
	"time"

	"webhook-delivery-pipeline/internal/config"
)

func TestClassify(t *testing.T) {
	status := func(n int) *int { return &n }

	cases := []struct {
		name   string
		status *int
		err    error
		want   Classification
	}{
		{"2xx success", status(200), nil, ClassifySuccess},
		{"204 success", status(204), nil, ClassifySuccess},
		{"429 retryable", status(429), nil, ClassifyRetryable},
		{"503 retryable", status(503), nil, ClassifyRetryable},
		{"404 permanent", status(404), nil, ClassifyPermanent},
		{"network error", nil, errors.New("dial tcp: timeout"), ClassifyRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := classify(tc.status, tc.err)
			if got != tc.want {
				t.Fatalf("classify(%v, %v) = %v, want %v", tc.status, tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := config.Config{BackoffBaseSeconds: 1, BackoffFactor: 2, BackoffCapSeconds: 16}
	want := []time.Duration{1, 2, 4, 8, 16}
	for i, w := range want {
		got := Backoff(cfg, i+1)
		if got != w*time.Second {
			t.Fatalf("Backoff(n=%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	// Beyond the table, the schedule stays capped rather than growing further.
	if got := Backoff(cfg, 6); got != 16*time.Second {
		t.Fatalf("Backoff(n=6) = %v, want capped 16s", got)
	}
}

func TestParseBatchSingleObject(t *testing.T) {
	body := []byte(`{"idempotency_key":"A","event_type":"order","amount":42}`)
	elements, payloads, err := parseBatch(body)
	if err != nil {
		t.Fatalf("parseBatch: %v", err)
	}
	if len(elements) != 1 || len(payloads) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
	if elements[0].IdempotencyKey == nil || *elements[0].IdempotencyKey != "A" {
		t.Fatalf("expected idempotency_key A, got %+v", elements[0])
	}
	if elements[0].EventType == nil || *elements[0].EventType != "order" {
		t.Fatalf("expected event_type order, got %+v", elements[0])
	}
}

func TestParseBatchArray(t *testing.T) {
	body := []byte(`[{"idempotency_key":"A"},{"idempotency_key":"B","event_type":"refund"}]`)
	elements, payloads, err := parseBatch(body)
	if err != nil {
		t.Fatalf("parseBatch: %v", err)
	}
	if len(elements) != 2 || len(payloads) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}
	if *elements[0].IdempotencyKey != "A" || *elements[1].IdempotencyKey != "B" {
		t.Fatalf("unexpected keys: %+v", elements)
	}
}

func TestParseBatchRejectsMalformed(t *testing.T) {
	if _, _, err := parseBatch([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
	if _, _, err := parseBatch([]byte(``)); err == nil {
		t.Fatal("expected error for empty body")
	}
}
