// Package pipeline orchestrates the document question-answering flows:
// ingest (extract, chunk, embed, index), ask (retrieve, assemble, complete),
// and structured card extraction. It owns the cross-cutting policies the
// individual components stay ignorant of: per-file failure containment
// during ingest, bounded retry with exponential backoff around provider
// calls, per-call timeouts, and history persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/54b3r/docqa-go/internal/cards"
	"github.com/54b3r/docqa-go/internal/chunker"
	"github.com/54b3r/docqa-go/internal/extractor"
	"github.com/54b3r/docqa-go/internal/logging"
	"github.com/54b3r/docqa-go/internal/rag"
	"github.com/54b3r/docqa-go/internal/store"
)

// Defaults for orchestration policy.
const (
	// DefaultAskTimeout bounds one full ask flow including the completion call.
	DefaultAskTimeout = 2 * time.Minute
	// DefaultIngestTimeout bounds one full ingest request across all files.
	DefaultIngestTimeout = 5 * time.Minute
	// defaultMaxRetries bounds retry attempts around embedding and
	// completion calls. Retries use exponential backoff.
	defaultMaxRetries = 3
)

// documentNamespace namespaces deterministic document UUIDs derived from
// scope and filename.
var documentNamespace = uuid.MustParse("6b9a2f84-3c15-4e7d-a0b2-91d5c6e83f07")

// File is one uploaded document to ingest.
type File struct {
	// Name is the original filename.
	Name string
	// MIMEType is the declared content type.
	MIMEType string
	// Data is the raw file content.
	Data []byte
}

// FileStatus classifies the outcome of ingesting one file.
type FileStatus string

const (
	// StatusIndexed means the file was chunked and fully indexed.
	StatusIndexed FileStatus = "indexed"
	// StatusSkipped means the file was left out (unsupported format or no
	// text) without failing the request.
	StatusSkipped FileStatus = "skipped"
	// StatusFailed means indexing the file failed after extraction succeeded.
	StatusFailed FileStatus = "failed"
)

// FileResult reports the per-file outcome of an ingest request.
type FileResult struct {
	// Filename is the original filename.
	Filename string `json:"filename"`
	// DocumentID is the deterministic ID assigned to the document.
	DocumentID string `json:"documentId,omitempty"`
	// Status is the outcome classification.
	Status FileStatus `json:"status"`
	// Chunks is the number of chunks indexed for the file.
	Chunks int `json:"chunks"`
	// Reason explains a skip or failure.
	Reason string `json:"reason,omitempty"`
}

// Answer is the result of one ask flow.
type Answer struct {
	// Text is the model's grounded answer.
	Text string `json:"answer"`
	// Refused reports that the model signalled the context does not contain
	// the answer.
	Refused bool `json:"refused"`
	// Sources are the retrieved chunks the answer was grounded on,
	// most relevant first.
	Sources []rag.ScoredChunk `json:"-"`
}

// Config tunes the pipeline.
type Config struct {
	// TopK is the number of chunks retrieved per question. Zero selects
	// rag.DefaultTopK.
	TopK int
	// ChunkSize is the maximum chunk length in bytes. Zero selects
	// chunker.DefaultChunkSize.
	ChunkSize int
	// ChunkOverlap is the overlap between consecutive chunks. Zero selects
	// chunker.DefaultOverlap.
	ChunkOverlap int
	// MaxContextTokens bounds the prompt's context section.
	MaxContextTokens int
	// AskTimeout bounds one ask flow. Zero selects DefaultAskTimeout.
	AskTimeout time.Duration
	// IngestTimeout bounds one ingest request. Zero selects DefaultIngestTimeout.
	IngestTimeout time.Duration
	// MaxRetries bounds retry attempts per provider call. Zero selects the
	// default; negative disables retries.
	MaxRetries int
}

// Pipeline wires the extraction, chunking, indexing, retrieval, and
// completion stages together. It is safe for concurrent use.
type Pipeline struct {
	// extractor converts uploads to plain text.
	extractor *extractor.Extractor
	// splitter cuts text into chunks.
	splitter *chunker.Splitter
	// index stores chunk vectors per scope.
	index rag.SessionIndex
	// retriever is the scoped read path.
	retriever rag.Retriever
	// completer generates answers.
	completer rag.Completer
	// history persists Q&A turns and extraction results. May be nil.
	history store.HistoryStore
	// cfg is the orchestration policy.
	cfg Config
}

// New constructs a Pipeline. history may be nil to disable persistence.
func New(ext *extractor.Extractor, index rag.SessionIndex, retriever rag.Retriever, completer rag.Completer, history store.HistoryStore, cfg Config) (*Pipeline, error) {
	if ext == nil || index == nil || retriever == nil || completer == nil {
		return nil, fmt.Errorf("pipeline: extractor, index, retriever, and completer are all required")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = DefaultAskTimeout
	}
	if cfg.IngestTimeout == 0 {
		cfg.IngestTimeout = DefaultIngestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	splitter, err := chunker.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		extractor: ext,
		splitter:  splitter,
		index:     index,
		retriever: retriever,
		completer: completer,
		history:   history,
		cfg:       cfg,
	}, nil
}

// Ingest extracts, chunks, and indexes the files into the scope. Failures
// are contained per file: an unsupported or empty file is skipped and the
// rest still index. The request as a whole fails only on invalid input or
// when indexing failed for every file that produced text — which indicates
// a systemic embedding problem rather than a bad upload.
func (p *Pipeline) Ingest(ctx context.Context, scope rag.Scope, files []File) ([]FileResult, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("pipeline: ingest: %w: missing scope identifiers", rag.ErrInvalidRequest)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pipeline: ingest: %w: no files provided", rag.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.IngestTimeout)
	defer cancel()

	log := logging.FromContext(ctx)

	results := make([]FileResult, 0, len(files))
	attempted := 0
	failed := 0
	var lastErr error

	for _, f := range files {
		res := FileResult{Filename: f.Name}

		text, err := p.extractor.Extract(ctx, f.Data, f.MIMEType, f.Name)
		if err != nil {
			if errors.Is(err, rag.ErrUnsupported) || errors.Is(err, rag.ErrEmptyDocument) {
				res.Status = StatusSkipped
				res.Reason = err.Error()
				log.Warn("ingest: skipping file",
					slog.String("file", f.Name),
					slog.String("reason", res.Reason),
				)
				results = append(results, res)
				continue
			}
			res.Status = StatusFailed
			res.Reason = err.Error()
			results = append(results, res)
			attempted++
			failed++
			lastErr = err
			continue
		}

		docID := uuid.NewSHA1(documentNamespace, []byte(scope.String()+"/"+f.Name)).String()
		res.DocumentID = docID

		chunks := p.splitter.Split(text, scope, docID)
		if len(chunks) == 0 {
			res.Status = StatusSkipped
			res.Reason = "no text content"
			results = append(results, res)
			continue
		}

		attempted++
		indexed, err := p.ingestWithRetry(ctx, scope, chunks)
		res.Chunks = indexed
		if err != nil {
			res.Status = StatusFailed
			res.Reason = err.Error()
			failed++
			lastErr = err
			log.Error("ingest: indexing failed",
				slog.String("file", f.Name),
				slog.Int("indexed", indexed),
				slog.Int("total_chunks", len(chunks)),
				slog.String("error", err.Error()),
			)
		} else {
			res.Status = StatusIndexed
			log.Info("ingest: file indexed",
				slog.String("file", f.Name),
				slog.String("document_id", docID),
				slog.Int("chunks", indexed),
			)
		}
		results = append(results, res)
	}

	if attempted > 0 && failed == attempted {
		return results, fmt.Errorf("pipeline: ingest: all %d files failed: %w", attempted, lastErr)
	}
	return results, nil
}

// ingestWithRetry wraps index.Ingest in bounded exponential backoff.
// Partial progress is preserved across attempts: chunks indexed by a
// failed attempt are not re-sent, since the index reports how many made it
// and chunk IDs are deterministic anyway.
func (p *Pipeline) ingestWithRetry(ctx context.Context, scope rag.Scope, chunks []rag.Chunk) (int, error) {
	total := 0
	op := func() error {
		n, err := p.index.Ingest(ctx, scope, chunks[total:])
		total += n
		if err == nil {
			return nil
		}
		if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, p.newBackOff(ctx))
	return total, err
}

// Ask runs the full question-answering flow for the scope: retrieve scoped
// context, assemble a grounded prompt, and complete. A scope with no
// ingested documents yields ErrNoContext.
func (p *Pipeline) Ask(ctx context.Context, scope rag.Scope, question string) (*Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AskTimeout)
	defer cancel()

	retrieved, err := p.retriever.AnswerContext(ctx, scope, question, p.cfg.TopK)
	if err != nil {
		if errors.Is(err, rag.ErrScopeNotFound) {
			return nil, fmt.Errorf("pipeline: ask: %w", rag.ErrNoContext)
		}
		return nil, err
	}

	promptText := rag.BuildPrompt(question, retrieved, nil, &rag.PromptConfig{
		MaxContextTokens: p.cfg.MaxContextTokens,
	})

	text, err := p.completeWithRetry(ctx, promptText, &rag.CompleteOptions{})
	if err != nil {
		return nil, fmt.Errorf("pipeline: ask: %w: %w", rag.ErrCompletionFailed, err)
	}

	answer := &Answer{
		Text:    text,
		Refused: isRefusal(text),
		Sources: retrieved,
	}

	p.persistTurn(ctx, scope, question, text)

	return answer, nil
}

// ExtractCards runs the structured extraction flow: retrieve context for
// the query, prompt with the problem-card schema in JSON mode, and validate
// the model's output against the schema. The validated card array is
// persisted and returned.
func (p *Pipeline) ExtractCards(ctx context.Context, scope rag.Scope, query string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AskTimeout)
	defer cancel()

	if query == "" {
		query = "clinical problems, medications, and lab results"
	}

	retrieved, err := p.retriever.AnswerContext(ctx, scope, query, p.cfg.TopK)
	if err != nil {
		if errors.Is(err, rag.ErrScopeNotFound) {
			return nil, fmt.Errorf("pipeline: extract: %w", rag.ErrNoContext)
		}
		return nil, err
	}

	schema := cards.ProblemCardSchema()
	promptText := rag.BuildPrompt(query, retrieved, schema, &rag.PromptConfig{
		MaxContextTokens: p.cfg.MaxContextTokens,
	})

	raw, err := p.completeWithRetry(ctx, promptText, &rag.CompleteOptions{JSONMode: true})
	if err != nil {
		return nil, fmt.Errorf("pipeline: extract: %w: %w", rag.ErrCompletionFailed, err)
	}

	validated, err := schema.Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("pipeline: extract: %w", err)
	}

	if p.history != nil {
		if err := p.history.AppendCards(ctx, scope, validated); err != nil {
			logging.FromContext(ctx).Error("extract: persisting cards failed",
				slog.String("scope", scope.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return validated, nil
}

// Dispose releases everything held for the scope: index vectors, history,
// and cards. Disposing an unknown scope is a no-op.
func (p *Pipeline) Dispose(ctx context.Context, scope rag.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("pipeline: dispose: %w: missing scope identifiers", rag.ErrInvalidRequest)
	}
	if err := p.index.Dispose(ctx, scope); err != nil {
		return err
	}
	if p.history != nil {
		if err := p.history.DeleteScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// completeWithRetry wraps the completion call in bounded exponential
// backoff. Context cancellation and deadline expiry are permanent.
func (p *Pipeline) completeWithRetry(ctx context.Context, promptText string, opts *rag.CompleteOptions) (string, error) {
	var text string
	op := func() error {
		var err error
		text, err = p.completer.Complete(ctx, promptText, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, p.newBackOff(ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// newBackOff builds the retry policy for one provider call.
func (p *Pipeline) newBackOff(ctx context.Context) backoff.BackOff {
	retries := p.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// persistTurn records the question and answer in the history store.
// Persistence failures are logged, never surfaced — the caller already has
// their answer.
func (p *Pipeline) persistTurn(ctx context.Context, scope rag.Scope, question, answer string) {
	if p.history == nil {
		return
	}
	log := logging.FromContext(ctx)
	if err := p.history.AppendMessage(ctx, scope, store.TypeQuestion, question); err != nil {
		log.Error("ask: persisting question failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.history.AppendMessage(ctx, scope, store.TypeAnswer, answer); err != nil {
		log.Error("ask: persisting answer failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
	}
}

// isRefusal reports whether the answer is the grounded refusal the prompt
// instructs the model to emit when the context lacks the answer. Models
// occasionally wrap or re-case the phrase, so a fuzzy match is used on
// short answers.
func isRefusal(text string) bool {
	if text == rag.RefusalSignal {
		return true
	}
	return len(text) < len(rag.RefusalSignal)+16 &&
		strings.Contains(strings.ToLower(text), "cannot determine this from the provided documents")
}
