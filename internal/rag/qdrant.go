package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used for scope filtering and chunk metadata. Scope
// filtering is pushed into Qdrant's native filter mechanism — never
// fetch-then-filter — so isolation holds at any data volume.
const (
	payloadText       = "text"
	payloadOrdinal    = "ordinal"
	payloadDocumentID = "document_id"
	payloadOwnerID    = "owner_id"
	payloadSessionID  = "session_id"
	payloadModel      = "embedding_model"
)

// QdrantConfig holds connection parameters for a Qdrant-backed session index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the stored embeddings.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// BatchSize is the number of texts embedded per gateway call.
	// Defaults to 64 if zero.
	BatchSize int

	// MinScore drops retrieval results scoring below this threshold.
	// Zero keeps everything.
	MinScore float32
}

// QdrantIndex is a SessionIndex backed by a single Qdrant collection.
// All scopes share the collection; isolation is enforced by a mandatory
// owner_id + session_id payload filter on every read and delete.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// embedder converts chunk text into vectors at ingest time.
	embedder Embedder

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a QdrantIndex, ensuring the target collection
// exists (creating it if necessary).
func NewQdrantIndex(ctx context.Context, embedder Embedder, cfg *QdrantConfig) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder must not be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbedBatchSize
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, embedder: embedder, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}

	return nil
}

// scopeFilter builds the mandatory payload filter for a scope.
func scopeFilter(scope Scope) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadOwnerID, scope.OwnerID),
			qdrant.NewMatch(payloadSessionID, scope.SessionID),
		},
	}
}

// Ingest embeds chunks in batches and upserts each successfully embedded
// batch. Chunks from batches upserted before an embedding failure stay
// indexed; the returned count says how many made it.
func (q *QdrantIndex) Ingest(ctx context.Context, scope Scope, chunks []Chunk) (int, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("qdrant: ingest: %w: missing scope identifiers", ErrInvalidRequest)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := q.checkModel(ctx, scope); err != nil {
		return 0, err
	}

	indexed := 0
	for start := 0; start < len(chunks); start += q.cfg.BatchSize {
		end := start + q.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := q.embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("qdrant: ingest %s: %w: %w", scope, ErrEmbeddingUnavailable, err)
		}
		if len(vectors) != len(batch) {
			return indexed, fmt.Errorf("qdrant: ingest %s: %w: got %d vectors for %d texts",
				scope, ErrEmbeddingUnavailable, len(vectors), len(batch))
		}

		points := make([]*qdrant.PointStruct, 0, len(batch))
		for i, c := range batch {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(c.ID),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(map[string]any{
					payloadText:       c.Text,
					payloadOrdinal:    int64(c.Ordinal),
					payloadDocumentID: c.DocumentID,
					payloadOwnerID:    c.Scope.OwnerID,
					payloadSessionID:  c.Scope.SessionID,
					payloadModel:      q.embedder.Model(),
				}),
			})
		}

		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Points:         points,
		}); err != nil {
			return indexed, fmt.Errorf("qdrant: upsert %s: %w", scope, err)
		}
		indexed += len(batch)
	}

	return indexed, nil
}

// Retrieve runs a filtered similarity search over the scope's points only.
func (q *QdrantIndex) Retrieve(ctx context.Context, scope Scope, queryVector []float32, k int) ([]ScoredChunk, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("qdrant: retrieve: %w: missing scope identifiers", ErrInvalidRequest)
	}

	count, err := q.scopeCount(ctx, scope)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("qdrant: retrieve %s: %w", scope, ErrScopeNotFound)
	}
	if err := q.checkModel(ctx, scope); err != nil {
		return nil, err
	}

	limit := uint64(k)
	query := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(queryVector...),
		Filter:         scopeFilter(scope),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if q.cfg.MinScore > 0 {
		threshold := q.cfg.MinScore
		query.ScoreThreshold = &threshold
	}

	results, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search %s: %w", scope, err)
	}

	chunks := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		sc := ScoredChunk{Score: r.Score}
		sc.ID = r.Id.GetUuid()
		sc.Scope = scope
		if p := r.Payload; p != nil {
			if v, ok := p[payloadText]; ok {
				sc.Text = v.GetStringValue()
			}
			if v, ok := p[payloadOrdinal]; ok {
				sc.Ordinal = int(v.GetIntegerValue())
			}
			if v, ok := p[payloadDocumentID]; ok {
				sc.DocumentID = v.GetStringValue()
			}
		}
		chunks = append(chunks, sc)
	}

	return chunks, nil
}

// Dispose deletes every point carrying the scope's payload. Deleting a
// scope with no points is a no-op, which makes disposal idempotent.
func (q *QdrantIndex) Dispose(ctx context.Context, scope Scope) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(scopeFilter(scope)),
	})
	if err != nil {
		return fmt.Errorf("qdrant: dispose %s: %w", scope, err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// Client exposes the underlying Qdrant client for readiness probes.
func (q *QdrantIndex) Client() *qdrant.Client {
	return q.client
}

// scopeCount returns the exact number of points stored for the scope.
func (q *QdrantIndex) scopeCount(ctx context.Context, scope Scope) (uint64, error) {
	exact := true
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Filter:         scopeFilter(scope),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count %s: %w", scope, err)
	}
	return count, nil
}

// checkModel verifies that the scope's stored points (if any) were embedded
// with the same model this index embeds with. Ingesting or querying across
// embedding spaces is a configuration error, not a silent mismatch.
func (q *QdrantIndex) checkModel(ctx context.Context, scope Scope) error {
	limit := uint32(1)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.cfg.Collection,
		Filter:         scopeFilter(scope),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayloadInclude(payloadModel),
	})
	if err != nil {
		return fmt.Errorf("qdrant: model check %s: %w", scope, err)
	}
	if len(points) == 0 {
		return nil
	}
	if v, ok := points[0].Payload[payloadModel]; ok {
		if stored := v.GetStringValue(); stored != "" && stored != q.embedder.Model() {
			return fmt.Errorf("qdrant: %w: scope indexed with embedding model %q, got %q",
				ErrConfiguration, stored, q.embedder.Model())
		}
	}
	return nil
}
