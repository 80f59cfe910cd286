package rag

import (
	"context"
	"fmt"
	"strings"
)

// DefaultRetriever implements Retriever by combining an Embedder and a
// SessionIndex. It embeds the question at query time and delegates the
// scoped similarity search to the index.
type DefaultRetriever struct {
	// embedder converts question text to a dense vector. It must embed in
	// the same vector space as the index's ingest-time embedder.
	embedder Embedder

	// index performs the scoped similarity search.
	index SessionIndex

	// defaultK is the number of results when the caller passes k <= 0.
	defaultK int
}

// DefaultTopK is the fallback number of retrieved chunks per question.
const DefaultTopK = 4

// NewRetriever constructs a DefaultRetriever. defaultK sets the fallback
// result count for AnswerContext calls with k <= 0.
func NewRetriever(embedder Embedder, index SessionIndex, defaultK int) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if defaultK <= 0 {
		defaultK = DefaultTopK
	}
	return &DefaultRetriever{embedder: embedder, index: index, defaultK: defaultK}, nil
}

// AnswerContext embeds the question and returns up to k chunks from the
// question's scope, most relevant first. An empty result is valid and
// distinct from ErrScopeNotFound, which the index raises when nothing was
// ever ingested for the scope.
func (r *DefaultRetriever) AnswerContext(ctx context.Context, scope Scope, question string, k int) ([]ScoredChunk, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("rag: answer context: %w: missing scope identifiers", ErrInvalidRequest)
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("rag: answer context: %w: empty question", ErrInvalidRequest)
	}
	if k <= 0 {
		k = r.defaultK
	}

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding question: %w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("rag: embedding question: %w: empty result", ErrEmbeddingUnavailable)
	}

	chunks, err := r.index.Retrieve(ctx, scope, vectors[0], k)
	if err != nil {
		return nil, err
	}

	return chunks, nil
}
