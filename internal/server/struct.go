package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docqa-go/internal/pipeline"
	"github.com/54b3r/docqa-go/internal/rag"
	"github.com/54b3r/docqa-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxUploadBytes caps the total size of one upload request body.
	// Defaults to 64 MiB if zero.
	MaxUploadBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics and backs the
	// /metrics endpoint. If nil, a fresh registry is created.
	Registry *prometheus.Registry
}

// orchestrator is the interface the handlers call to run the document QA
// flows. *pipeline.Pipeline satisfies it; tests inject a fake.
type orchestrator interface {
	Ingest(ctx context.Context, scope rag.Scope, files []pipeline.File) ([]pipeline.FileResult, error)
	Ask(ctx context.Context, scope rag.Scope, question string) (*pipeline.Answer, error)
	ExtractCards(ctx context.Context, scope rag.Scope, query string) (json.RawMessage, error)
	Dispose(ctx context.Context, scope rag.Scope) error
}

// historian is the read side of the persistence layer used by the history
// and cards endpoints. *store.SQLiteStore satisfies it; tests inject a fake.
type historian interface {
	History(ctx context.Context, scope rag.Scope) ([]store.Message, error)
	Cards(ctx context.Context, scope rag.Scope) ([]store.CardRecord, error)
}

// Server is the HTTP server exposing the document QA service.
type Server struct {
	// pipeline runs the ingest, ask, and extraction flows.
	pipeline orchestrator
	// history serves the read-only history and cards endpoints. May be nil.
	history historian
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// OwnerID identifies the calling user.
	OwnerID string `json:"ownerId"`
	// SessionID identifies the upload session to query.
	SessionID string `json:"sessionId"`
	// Question is the natural-language question.
	Question string `json:"question"`
}

// askResponse is the JSON response for POST /api/ask.
type askResponse struct {
	// Answer is the model's grounded answer text.
	Answer string `json:"answer"`
	// Refused reports that the model could not answer from the documents.
	Refused bool `json:"refused"`
	// Sources lists the document chunks the answer was grounded on.
	Sources []sourceRef `json:"sources,omitempty"`
}

// sourceRef identifies one retrieved chunk in an ask response.
type sourceRef struct {
	// DocumentID is the source document identifier.
	DocumentID string `json:"documentId"`
	// Ordinal is the chunk's position within the document.
	Ordinal int `json:"ordinal"`
	// Score is the retrieval similarity score.
	Score float32 `json:"score"`
}

// uploadResponse is the JSON response for POST /api/upload.
type uploadResponse struct {
	// SessionID echoes the session the files were ingested into.
	SessionID string `json:"sessionId"`
	// Files reports the per-file ingest outcomes.
	Files []pipeline.FileResult `json:"files"`
}

// extractRequest is the JSON body for POST /api/extract.
type extractRequest struct {
	// OwnerID identifies the calling user.
	OwnerID string `json:"ownerId"`
	// SessionID identifies the upload session to extract from.
	SessionID string `json:"sessionId"`
	// Query optionally focuses the extraction. Empty selects the default
	// clinical extraction query.
	Query string `json:"query,omitempty"`
}

// extractResponse is the JSON response for POST /api/extract.
type extractResponse struct {
	// Cards is the validated card array produced by the model.
	Cards json.RawMessage `json:"cards"`
}

// historyResponse is the JSON response for GET /api/history.
type historyResponse struct {
	// Messages is the session's Q&A history, oldest-first.
	Messages []store.Message `json:"messages"`
}

// cardsResponse is the JSON response for GET /api/cards.
type cardsResponse struct {
	// Records is the session's extraction results, newest-first.
	Records []store.CardRecord `json:"records"`
}

// errorResponse is the JSON body for all error statuses.
type errorResponse struct {
	// Error is the human-readable failure description.
	Error string `json:"error"`
}
