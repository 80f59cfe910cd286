package rag

import "errors"

// Sentinel errors forming the pipeline's error taxonomy. Components wrap
// these with fmt.Errorf("...: %w", ...) so callers can classify failures
// with errors.Is while keeping the underlying provider detail.
var (
	// ErrInvalidRequest marks missing or malformed caller input.
	// Not retryable; maps to HTTP 400.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupported marks a file whose content type no extractor handles.
	// A per-file outcome during ingest — skip, not fatal.
	ErrUnsupported = errors.New("unsupported content type")

	// ErrEmptyDocument marks a file that yielded no extractable text.
	// A per-file outcome during ingest — skip, not fatal.
	ErrEmptyDocument = errors.New("no text content")

	// ErrEmbeddingUnavailable marks a transport or provider failure from
	// the embedding gateway. Retryable with bounded backoff.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrCompletionFailed marks a failure from the completion gateway.
	// The provider's message is preserved in the wrapping error.
	ErrCompletionFailed = errors.New("completion failed")

	// ErrScopeNotFound means no index exists for the scope — the canonical
	// "no documents uploaded for this session" condition. Distinct from an
	// index that exists but returns zero matches.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrNoContext is the client-facing translation of ErrScopeNotFound
	// on the ask path. Expected empty state, not a server fault.
	ErrNoContext = errors.New("no documents uploaded for context")

	// ErrMalformedCompletion means the model's output failed validation
	// against the requested response schema. Not retried automatically —
	// retrying rarely fixes a model's formatting without prompt changes.
	ErrMalformedCompletion = errors.New("malformed completion")

	// ErrConfiguration marks an invalid configuration such as an overlap
	// not smaller than the chunk size, or querying a scope with a
	// different embedding model than it was indexed with. Fails fast,
	// never silently coerced.
	ErrConfiguration = errors.New("configuration error")
)
