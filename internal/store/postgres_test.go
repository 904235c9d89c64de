package store

import (
	"strings"
	"testing"
	"time"
)

func TestBuildWhereEmpty(t *testing.T) {
	where, args := buildWhere(SearchFilter{})
	if where != "" {
		t.Fatalf("expected empty where clause, got %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestBuildWhereCombinesFilters(t *testing.T) {
	eventType := "order"
	from := time.Now().Add(-time.Hour)
	to := time.Now()
	filter := SearchFilter{
		Statuses:  []string{"DELIVERED", "FAILED_PERMANENTLY"},
		EventType: &eventType,
		From:      &from,
		To:        &to,
	}

	where, args := buildWhere(filter)
	if !strings.HasPrefix(where, "WHERE ") {
		t.Fatalf("expected where clause to start with WHERE, got %q", where)
	}
	for _, want := range []string{"status = ANY($1)", "event_type = $2", "received_at >= $3", "received_at <= $4"} {
		if !strings.Contains(where, want) {
			t.Fatalf("expected where clause to contain %q, got %q", want, where)
		}
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 positional args, got %d: %v", len(args), args)
	}
}

func TestBuildWhereOnlyStatus(t *testing.T) {
	where, args := buildWhere(SearchFilter{Statuses: []string{"RECEIVED"}})
	if where != "WHERE status = ANY($1)" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}
}
