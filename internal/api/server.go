// Package api exposes the HTTP surface of the delivery engine: intake,
// search, metrics, and a liveness probe, adapted from the teacher's
// chi-based Server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"webhook-delivery-pipeline/internal/delivery"
	"webhook-delivery-pipeline/internal/models"
	"webhook-delivery-pipeline/internal/store"
	"webhook-delivery-pipeline/internal/telemetry"
)

const maxBodyBytes = 5 << 20 // 5MiB

// Server wires HTTP handlers for producers and operators.
type Server struct {
	engine *delivery.Engine
	store  *store.Store
	logger *telemetry.Logger
}

// New constructs the API server.
func New(engine *delivery.Engine, st *store.Store, logger *telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Server{engine: engine, store: st, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.logging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/ingest", s.handleIngest)
	r.Post("/webhooks/search", s.handleSearch)
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	results, err := s.engine.Intake(r.Context(), signature, body)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "signature mismatch")
		case errors.Is(err, delivery.ErrBadRequest):
			writeError(w, http.StatusBadRequest, "malformed request body")
		default:
			s.logger.Error("intake failed", telemetry.F("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

type searchRequest struct {
	Status    []string   `json:"status"`
	EventType *string    `json:"event_type"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
	Skip      int        `json:"skip"`
	Limit     int        `json:"limit"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	result, err := s.store.Search(r.Context(), store.SearchFilter{
		Statuses:  req.Status,
		EventType: req.EventType,
		From:      req.From,
		To:        req.To,
		Skip:      req.Skip,
		Limit:     req.Limit,
	})
	if err != nil {
		s.logger.Error("search failed", telemetry.F("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      nonNilEvents(result.Items),
		"aggregates": result.Aggregates,
	})
}

func nonNilEvents(items []models.Event) []models.Event {
	if items == nil {
		return []models.Event{}
	}
	return items
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = newRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			telemetry.F("request_id", requestIDFromContext(r.Context())),
			telemetry.F("method", r.Method),
			telemetry.F("path", r.URL.Path),
			telemetry.F("status", sw.status),
			telemetry.F("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
