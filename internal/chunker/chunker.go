// Package chunker splits extracted document text into an ordered sequence
// of bounded, overlapping chunks with provenance metadata. Splitting is
// content-aware: it prefers paragraph, line, sentence, and word boundaries
// before falling back to a hard character cut, so chunks rarely sever
// meaning mid-sentence. Chunking is deterministic: identical input and
// parameters always yield identical boundaries, which makes re-ingestion
// idempotent and the chunk IDs stable.
package chunker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/docqa-go/internal/rag"
)

// Default splitting parameters, matching the ingestion pipeline defaults.
const (
	// DefaultChunkSize is the maximum number of bytes per chunk.
	DefaultChunkSize = 1000
	// DefaultOverlap is the number of bytes shared between consecutive
	// chunks for context continuity.
	DefaultOverlap = 100
)

// boundarySeparators is the ordered preference list for cut points:
// paragraph break, line break, sentence end, word break. The first
// separator found in the tail half of the size window wins.
var boundarySeparators = []string{"\n\n", "\n", ". ", " "}

// chunkNamespace namespaces the deterministic chunk UUIDs so they never
// collide with IDs minted elsewhere.
var chunkNamespace = uuid.MustParse("8f1c4d2a-9b57-4a0e-b6d3-2f40c19e7a51")

// Splitter cuts document text into chunks of at most maxSize bytes with
// overlap bytes shared between neighbors. A Splitter is immutable and safe
// for concurrent use.
type Splitter struct {
	// maxSize is the maximum chunk length in bytes.
	maxSize int
	// overlap is the number of bytes repeated from the end of one chunk at
	// the start of the next. Always strictly less than maxSize.
	overlap int
}

// NewSplitter constructs a Splitter. overlap must be non-negative and
// strictly smaller than maxSize; violating that is a configuration error,
// never silently coerced.
func NewSplitter(maxSize, overlap int) (*Splitter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("chunker: %w: chunk size must be positive, got %d", rag.ErrConfiguration, maxSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: %w: overlap must be non-negative, got %d", rag.ErrConfiguration, overlap)
	}
	if overlap >= maxSize {
		return nil, fmt.Errorf("chunker: %w: overlap %d must be smaller than chunk size %d",
			rag.ErrConfiguration, overlap, maxSize)
	}
	return &Splitter{maxSize: maxSize, overlap: overlap}, nil
}

// Split cuts text into ordered chunks owned by scope, each tagged with
// docID and its ordinal position. Empty or whitespace-only input yields
// zero chunks and no error; the caller decides whether that fails the
// ingest request.
func (s *Splitter) Split(text string, scope rag.Scope, docID string) []rag.Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []rag.Chunk
	start := 0
	for start < len(text) {
		end := start + s.maxSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = s.cutPoint(text, start, end)
		}

		chunks = append(chunks, rag.Chunk{
			ID:         ChunkID(docID, len(chunks)),
			Text:       text[start:end],
			Ordinal:    len(chunks),
			DocumentID: docID,
			Scope:      scope,
		})

		if end == len(text) {
			break
		}
		start = end - s.overlap
	}

	return chunks
}

// cutPoint picks the cut position for a chunk starting at start whose hard
// limit is end. It scans the separator preference list and takes the last
// occurrence within the window, provided the cut lands in the tail half of
// the window. A boundary too close to start would produce degenerate
// chunks and stall progress, so in that case the hard limit wins.
func (s *Splitter) cutPoint(text string, start, end int) int {
	// The cut must leave room to move forward: strictly past the overlap
	// region and at least half a window along.
	floor := start + s.maxSize/2
	if floor <= start+s.overlap {
		floor = start + s.overlap + 1
	}

	window := text[start:end]
	for _, sep := range boundarySeparators {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		cut := start + idx + len(sep)
		if cut >= floor && cut < end {
			return cut
		}
	}
	return end
}

// ChunkID returns the deterministic identifier for the chunk at ordinal
// within document docID. The ID is a name-based UUID so re-ingesting the
// same document upserts rather than duplicates, and vector stores that
// require UUID point IDs accept it directly.
func ChunkID(docID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", docID, ordinal))).String()
}
