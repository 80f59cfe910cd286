// Package rag defines the retrieval-augmented generation core: tenant
// scoping, chunk and retrieval types, the capability interfaces for
// embedding and completion providers, and the session index contract.
// Concrete backends (in-memory, Qdrant, OpenAI, Ollama, ...) satisfy these
// interfaces so the pipeline layer never depends on a specific provider.
package rag

import (
	"context"
)

// Scope is the (owner, session) pair that isolates all data belonging to
// one upload session for one user. Every chunk, index entry, and query
// carries a Scope; retrieval never crosses scope boundaries.
type Scope struct {
	// OwnerID identifies the user that owns the session.
	OwnerID string

	// SessionID identifies one upload session of that user.
	SessionID string
}

// Valid reports whether both scope identifiers are present.
func (s Scope) Valid() bool {
	return s.OwnerID != "" && s.SessionID != ""
}

// String renders the scope for logs and error messages.
func (s Scope) String() string {
	return s.OwnerID + "/" + s.SessionID
}

// Chunk is a bounded slice of document text with provenance metadata.
// Chunks are immutable once produced by the chunker.
type Chunk struct {
	// ID is the unique identifier for this chunk. It is derived
	// deterministically from (DocumentID, Ordinal) so re-ingesting the
	// same document yields the same IDs.
	ID string

	// Text is the chunk's text content.
	Text string

	// Ordinal is the chunk's position within its source document, starting at 0.
	Ordinal int

	// DocumentID identifies the source document this chunk was cut from.
	DocumentID string

	// Scope is the tenant scope that owns this chunk.
	Scope Scope
}

// ScoredChunk pairs a retrieved Chunk with its relevance score.
type ScoredChunk struct {
	Chunk

	// Score is the similarity score assigned during retrieval.
	// Higher means more relevant.
	Score float32
}

// Embedder is the interface for converting text into dense vector
// embeddings. Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the embedding model name. The session index records it
	// per scope so a query embedded with a different model is rejected
	// instead of silently searching a mismatched vector space.
	Model() string
}

// CompleteOptions tunes a single completion call.
type CompleteOptions struct {
	// Temperature controls response randomness (0.0–1.0). Nil means
	// provider default; a pointer keeps an explicit 0 distinguishable
	// from unset.
	Temperature *float32

	// MaxTokens caps the number of tokens the model may generate.
	// Zero means provider default.
	MaxTokens int

	// JSONMode asks the provider to constrain output to a single JSON
	// value. Conformance is a request to the model, not a guarantee —
	// callers must still validate the returned text.
	JSONMode bool
}

// Completer is the interface for invoking a language model with an
// assembled prompt. Implementations must be safe to call from multiple
// goroutines.
type Completer interface {
	// Complete sends promptText to the model and returns the generated text.
	Complete(ctx context.Context, promptText string, opts *CompleteOptions) (string, error)
}

// SessionIndex is the per-scope store of chunk vectors. It owns the
// embeddings for every indexed chunk and is the only mutable shared
// resource in the core. Implementations must serialize mutation per scope
// while allowing unrelated scopes to proceed in parallel, and must never
// let a retrieval scan vectors belonging to a different scope.
type SessionIndex interface {
	// Ingest embeds the chunks (batching as it sees fit) and appends them
	// to the scope's collection. It returns the number of chunks actually
	// indexed. On an embedding failure mid-way, chunks from batches that
	// already succeeded stay indexed and the error wraps
	// ErrEmbeddingUnavailable — the caller learns how many made it.
	Ingest(ctx context.Context, scope Scope, chunks []Chunk) (int, error)

	// Retrieve returns up to k chunks from the scope's collection, sorted
	// by descending similarity to queryVector. It fails with
	// ErrScopeNotFound when nothing was ever ingested for the scope —
	// distinct from an index that exists but matches nothing.
	Retrieve(ctx context.Context, scope Scope, queryVector []float32, k int) ([]ScoredChunk, error)

	// Dispose releases all chunks and vectors for a scope. Disposing an
	// unknown or already-disposed scope is a no-op.
	Dispose(ctx context.Context, scope Scope) error

	// Close releases any resources held by the index.
	Close() error
}

// Retriever is the high-level read path: embed a question and fetch the
// most relevant chunks for its scope. Implementations must be safe to call
// from multiple goroutines.
type Retriever interface {
	// AnswerContext returns up to k relevant chunks for the question,
	// scoped to exactly the given scope. k <= 0 selects the default.
	AnswerContext(ctx context.Context, scope Scope, question string, k int) ([]ScoredChunk, error)
}
