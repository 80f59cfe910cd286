package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/54b3r/docqa-go/internal/logging"
	"github.com/54b3r/docqa-go/internal/pipeline"
	"github.com/54b3r/docqa-go/internal/rag"
)

// instrument wraps a handler with per-endpoint request counting and latency
// observation, labelled by the logical handler name.
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rw, r)
		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, name, statusText(rw.status)).Inc()
		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
	}
}

// handleUpload handles POST /api/upload. The request is multipart/form-data
// with ownerId and sessionId fields plus one or more file parts named
// "files". Files that cannot be processed are skipped and reported in the
// per-file results; the request fails only when nothing could be indexed.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	scope := rag.Scope{
		OwnerID:   r.FormValue("ownerId"),
		SessionID: r.FormValue("sessionId"),
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "ownerId and sessionId are required")
		return
	}

	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	files := make([]pipeline.File, 0, len(parts))
	for _, part := range parts {
		f, err := part.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read file "+part.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read file "+part.Filename)
			return
		}
		files = append(files, pipeline.File{
			Name:     part.Filename,
			MIMEType: part.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	ctx := logging.WithLogger(r.Context(),
		logging.WithScope(log, scope.OwnerID, scope.SessionID))

	results, err := s.pipeline.Ingest(ctx, scope, files)
	chunks := 0
	for _, res := range results {
		s.metrics.uploadFilesTotal.WithLabelValues(string(res.Status)).Inc()
		chunks += res.Chunks
	}
	s.metrics.chunksIndexedTotal.Add(float64(chunks))
	if err != nil {
		writeTaxonomyError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		SessionID: scope.SessionID,
		Files:     results,
	})
}

// handleAsk handles POST /api/ask: answer a question from the documents
// previously uploaded into the scope.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	scope := rag.Scope{OwnerID: req.OwnerID, SessionID: req.SessionID}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "ownerId and sessionId are required")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx := logging.WithLogger(r.Context(),
		logging.WithScope(log, scope.OwnerID, scope.SessionID))

	start := time.Now()
	answer, err := s.pipeline.Ask(ctx, scope, req.Question)
	if err != nil {
		s.metrics.askRequestsTotal.WithLabelValues(askOutcome(err)).Inc()
		writeTaxonomyError(w, log, err)
		return
	}
	s.metrics.askRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.askDurationSeconds.Observe(time.Since(start).Seconds())

	resp := askResponse{
		Answer:  answer.Text,
		Refused: answer.Refused,
	}
	for _, src := range answer.Sources {
		resp.Sources = append(resp.Sources, sourceRef{
			DocumentID: src.DocumentID,
			Ordinal:    src.Ordinal,
			Score:      src.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExtract handles POST /api/extract: run the structured card
// extraction flow over the scope's documents.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	scope := rag.Scope{OwnerID: req.OwnerID, SessionID: req.SessionID}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "ownerId and sessionId are required")
		return
	}

	ctx := logging.WithLogger(r.Context(),
		logging.WithScope(log, scope.OwnerID, scope.SessionID))

	cards, err := s.pipeline.ExtractCards(ctx, scope, req.Query)
	if err != nil {
		writeTaxonomyError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, extractResponse{Cards: cards})
}

// handleHistory handles GET /api/history?ownerId=&sessionId=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history persistence is not configured")
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	msgs, err := s.history.History(r.Context(), scope)
	if err != nil {
		writeTaxonomyError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

// handleCards handles GET /api/cards?ownerId=&sessionId=.
func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history persistence is not configured")
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	records, err := s.history.Cards(r.Context(), scope)
	if err != nil {
		writeTaxonomyError(w, logging.FromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, cardsResponse{Records: records})
}

// handleSessionDelete handles DELETE /api/session?ownerId=&sessionId=.
// It releases the scope's vectors, history, and cards. Deleting an unknown
// session succeeds — the end state is the same.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Dispose(r.Context(), scope); err != nil {
		writeTaxonomyError(w, logging.FromContext(r.Context()), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scopeFromQuery extracts and validates the scope from query parameters,
// writing a 400 response when either identifier is missing.
func scopeFromQuery(w http.ResponseWriter, r *http.Request) (rag.Scope, bool) {
	scope := rag.Scope{
		OwnerID:   r.URL.Query().Get("ownerId"),
		SessionID: r.URL.Query().Get("sessionId"),
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "ownerId and sessionId are required")
		return rag.Scope{}, false
	}
	return scope, true
}

// writeTaxonomyError maps a pipeline error onto its HTTP status using the
// sentinel taxonomy and writes the JSON error body. Unclassified errors are
// logged and returned as 500 without leaking internals.
func writeTaxonomyError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, rag.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rag.ErrUnsupported):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, rag.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rag.ErrNoContext), errors.Is(err, rag.ErrScopeNotFound):
		writeError(w, http.StatusNotFound, "no documents uploaded for this session")
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		log.Error("embedding backend unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "embedding backend unavailable")
	case errors.Is(err, rag.ErrCompletionFailed):
		log.Error("completion failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "completion backend failed")
	case errors.Is(err, rag.ErrMalformedCompletion):
		log.Error("malformed completion", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "model returned malformed output")
	case errors.Is(err, rag.ErrConfiguration):
		log.Error("configuration error", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// askOutcome classifies an ask error for the outcome metric label.
func askOutcome(err error) string {
	switch {
	case errors.Is(err, rag.ErrNoContext), errors.Is(err, rag.ErrScopeNotFound):
		return "no_context"
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, rag.ErrCompletionFailed):
		return "completion_failed"
	default:
		return "error"
	}
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusText renders a status code for the metrics label.
func statusText(code int) string {
	return strconv.Itoa(code)
}
