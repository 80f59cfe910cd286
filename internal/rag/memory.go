package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// defaultEmbedBatchSize is the number of chunk texts sent to the embedding
// gateway per request when no explicit batch size is configured.
const defaultEmbedBatchSize = 64

// MemoryConfig holds the configuration for a MemoryIndex.
type MemoryConfig struct {
	// BatchSize is the number of texts embedded per gateway call.
	// Defaults to 64 if zero.
	BatchSize int

	// IdleTTL expires a scope's index after this much inactivity.
	// Zero disables expiry; disposal then only happens via Dispose.
	IdleTTL time.Duration

	// MinScore drops retrieval results scoring below this threshold.
	// Zero keeps everything.
	MinScore float32
}

// scopeIndex holds one scope's chunks and vectors. Mutation is serialized
// by mu; unrelated scopes never contend on it.
type scopeIndex struct {
	// mu guards all fields below.
	mu sync.RWMutex
	// model is the embedding model that produced every vector in entries.
	// Set on first ingest; later ingests and queries must match it.
	model string
	// chunks and vectors are parallel slices in insertion order.
	chunks  []Chunk
	vectors [][]float32
	// lastUsed is updated on every ingest and retrieve for idle expiry.
	lastUsed time.Time
}

// MemoryIndex is a SessionIndex backed by process memory. Each scope owns
// an independent collection with its own lock, so ingests into different
// scopes proceed fully in parallel while mutation within one scope is
// serialized. Retrieval is brute-force cosine similarity.
type MemoryIndex struct {
	// embedder converts chunk text into vectors at ingest time.
	embedder Embedder

	// cfg holds the resolved configuration.
	cfg *MemoryConfig

	// mu guards the scopes map only; per-scope state has its own lock.
	mu     sync.RWMutex
	scopes map[Scope]*scopeIndex

	// stopJanitor stops the idle-expiry goroutine. Nil when IdleTTL is 0.
	stopJanitor func()
}

// NewMemoryIndex constructs a MemoryIndex. When cfg.IdleTTL is non-zero a
// background janitor evicts scopes idle longer than the TTL; Close stops it.
func NewMemoryIndex(embedder Embedder, cfg *MemoryConfig) (*MemoryIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if cfg == nil {
		cfg = &MemoryConfig{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbedBatchSize
	}

	m := &MemoryIndex{
		embedder: embedder,
		cfg:      cfg,
		scopes:   make(map[Scope]*scopeIndex),
	}

	if cfg.IdleTTL > 0 {
		stopCh := make(chan struct{})
		go m.janitor(stopCh)
		m.stopJanitor = func() { close(stopCh) }
	}

	return m, nil
}

// Ingest embeds chunks in batches and appends each successfully embedded
// batch to the scope's collection. The scope lock is never held across an
// embedding call — only across the in-memory append. On a batch failure
// the chunks already appended stay indexed and the returned count says how
// many made it.
func (m *MemoryIndex) Ingest(ctx context.Context, scope Scope, chunks []Chunk) (int, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("rag: ingest: %w: missing scope identifiers", ErrInvalidRequest)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	si := m.scope(scope, true)
	if err := si.claimModel(m.embedder.Model()); err != nil {
		return 0, err
	}

	indexed := 0
	for start := 0; start < len(chunks); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("rag: ingest %s: %w: %w", scope, ErrEmbeddingUnavailable, err)
		}
		if len(vectors) != len(batch) {
			return indexed, fmt.Errorf("rag: ingest %s: %w: got %d vectors for %d texts",
				scope, ErrEmbeddingUnavailable, len(vectors), len(batch))
		}

		si.append(batch, vectors)
		indexed += len(batch)
	}

	return indexed, nil
}

// Retrieve ranks the scope's chunks by cosine similarity to queryVector and
// returns the top k. Only the one scope's vectors are ever scanned.
func (m *MemoryIndex) Retrieve(_ context.Context, scope Scope, queryVector []float32, k int) ([]ScoredChunk, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("rag: retrieve: %w: missing scope identifiers", ErrInvalidRequest)
	}

	si := m.scope(scope, false)
	if si == nil {
		return nil, fmt.Errorf("rag: retrieve %s: %w", scope, ErrScopeNotFound)
	}
	if err := si.checkModel(m.embedder.Model()); err != nil {
		return nil, err
	}

	si.mu.RLock()
	results := make([]ScoredChunk, 0, len(si.chunks))
	for i, vec := range si.vectors {
		score := cosine(queryVector, vec)
		if m.cfg.MinScore > 0 && score < m.cfg.MinScore {
			continue
		}
		results = append(results, ScoredChunk{Chunk: si.chunks[i], Score: score})
	}
	si.mu.RUnlock()
	si.touch()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Dispose drops the scope's collection. Unknown scopes are a no-op.
func (m *MemoryIndex) Dispose(_ context.Context, scope Scope) error {
	m.mu.Lock()
	delete(m.scopes, scope)
	m.mu.Unlock()
	return nil
}

// Close stops the idle-expiry janitor and drops all collections.
func (m *MemoryIndex) Close() error {
	if m.stopJanitor != nil {
		m.stopJanitor()
	}
	m.mu.Lock()
	m.scopes = make(map[Scope]*scopeIndex)
	m.mu.Unlock()
	return nil
}

// scope returns the index for the given scope, creating it when create is
// true. Returns nil when the scope is unknown and create is false.
func (m *MemoryIndex) scope(scope Scope, create bool) *scopeIndex {
	m.mu.RLock()
	si := m.scopes[scope]
	m.mu.RUnlock()
	if si != nil || !create {
		return si
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if si = m.scopes[scope]; si == nil {
		si = &scopeIndex{lastUsed: time.Now()}
		m.scopes[scope] = si
	}
	return si
}

// janitor evicts idle scopes once a minute until stopCh is closed.
func (m *MemoryIndex) janitor(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle removes scopes not used within IdleTTL.
func (m *MemoryIndex) evictIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for scope, si := range m.scopes {
		si.mu.RLock()
		idle := si.lastUsed.Before(cutoff)
		si.mu.RUnlock()
		if idle {
			delete(m.scopes, scope)
		}
	}
}

// claimModel records the embedding model on first use and rejects a
// different model afterwards.
func (si *scopeIndex) claimModel(model string) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.model == "" {
		si.model = model
		return nil
	}
	if si.model != model {
		return fmt.Errorf("rag: %w: scope indexed with embedding model %q, got %q",
			ErrConfiguration, si.model, model)
	}
	return nil
}

// checkModel rejects queries embedded with a different model than the
// scope was indexed with.
func (si *scopeIndex) checkModel(model string) error {
	si.mu.RLock()
	defer si.mu.RUnlock()
	if si.model != "" && si.model != model {
		return fmt.Errorf("rag: %w: scope indexed with embedding model %q, queried with %q",
			ErrConfiguration, si.model, model)
	}
	return nil
}

// append adds a batch of (chunk, vector) pairs under the scope lock.
func (si *scopeIndex) append(chunks []Chunk, vectors [][]float32) {
	si.mu.Lock()
	si.chunks = append(si.chunks, chunks...)
	si.vectors = append(si.vectors, vectors...)
	si.lastUsed = time.Now()
	si.mu.Unlock()
}

// touch updates the idle-expiry clock.
func (si *scopeIndex) touch() {
	si.mu.Lock()
	si.lastUsed = time.Now()
	si.mu.Unlock()
}

// cosine returns the cosine similarity of a and b. Mismatched lengths are
// scored over the shorter prefix; zero vectors score 0.
func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
