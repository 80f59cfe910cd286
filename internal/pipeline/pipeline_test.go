package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/54b3r/docqa-go/internal/extractor"
	"github.com/54b3r/docqa-go/internal/rag"
	"github.com/54b3r/docqa-go/internal/store"
)

// ----------------------------------------------------------------------- //
// Fakes for pipeline orchestration tests

// fakeSessionIndex records ingested chunks per scope. failIngests makes the
// first N Ingest calls fail after indexing partial chunks.
type fakeSessionIndex struct {
	mu          sync.Mutex
	chunks      map[rag.Scope][]rag.Chunk
	failIngests int
	partial     int // chunks indexed per failing call
	disposed    []rag.Scope
}

func newFakeSessionIndex() *fakeSessionIndex {
	return &fakeSessionIndex{chunks: make(map[rag.Scope][]rag.Chunk)}
}

func (f *fakeSessionIndex) Ingest(_ context.Context, scope rag.Scope, chunks []rag.Chunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIngests > 0 {
		f.failIngests--
		n := f.partial
		if n > len(chunks) {
			n = len(chunks)
		}
		f.chunks[scope] = append(f.chunks[scope], chunks[:n]...)
		return n, fmt.Errorf("fake: %w: gateway down", rag.ErrEmbeddingUnavailable)
	}
	f.chunks[scope] = append(f.chunks[scope], chunks...)
	return len(chunks), nil
}

func (f *fakeSessionIndex) Retrieve(context.Context, rag.Scope, []float32, int) ([]rag.ScoredChunk, error) {
	return nil, nil
}

func (f *fakeSessionIndex) Dispose(_ context.Context, scope rag.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, scope)
	delete(f.chunks, scope)
	return nil
}

func (f *fakeSessionIndex) Close() error { return nil }

func (f *fakeSessionIndex) indexed(scope rag.Scope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks[scope])
}

// fakeRetriever returns canned context or a canned error.
type fakeRetriever struct {
	retrieved []rag.ScoredChunk
	err       error
}

func (f *fakeRetriever) AnswerContext(_ context.Context, scope rag.Scope, question string, k int) ([]rag.ScoredChunk, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("fake: %w: missing scope", rag.ErrInvalidRequest)
	}
	if question == "" {
		return nil, fmt.Errorf("fake: %w: empty question", rag.ErrInvalidRequest)
	}
	return f.retrieved, f.err
}

// fakeCompleter returns canned text, optionally failing the first N calls.
type fakeCompleter struct {
	mu       sync.Mutex
	response string
	failures int
	calls    int
	gotOpts  *rag.CompleteOptions
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, opts *rag.CompleteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotOpts = opts
	if f.failures > 0 {
		f.failures--
		return "", errors.New("model overloaded")
	}
	return f.response, nil
}

// fakeHistory records persisted turns and cards in memory.
type fakeHistory struct {
	mu       sync.Mutex
	messages map[rag.Scope][]store.Message
	cards    map[rag.Scope][]json.RawMessage
	deleted  []rag.Scope
	err      error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages: make(map[rag.Scope][]store.Message),
		cards:    make(map[rag.Scope][]json.RawMessage),
	}
}

func (f *fakeHistory) AppendMessage(_ context.Context, scope rag.Scope, typ store.MessageType, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages[scope] = append(f.messages[scope], store.Message{Type: typ, Text: text})
	return nil
}

func (f *fakeHistory) History(_ context.Context, scope rag.Scope) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[scope], nil
}

func (f *fakeHistory) AppendCards(_ context.Context, scope rag.Scope, cards json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cards[scope] = append(f.cards[scope], cards)
	return nil
}

func (f *fakeHistory) Cards(_ context.Context, scope rag.Scope) ([]store.CardRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CardRecord
	for _, c := range f.cards[scope] {
		out = append(out, store.CardRecord{Cards: c})
	}
	return out, nil
}

func (f *fakeHistory) DeleteScope(_ context.Context, scope rag.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, scope)
	delete(f.messages, scope)
	delete(f.cards, scope)
	return nil
}

func (f *fakeHistory) Close() error { return nil }

// newTestPipeline builds a pipeline over the fakes with retries disabled so
// failure tests do not sleep through backoff intervals.
func newTestPipeline(t *testing.T, idx *fakeSessionIndex, ret *fakeRetriever, comp *fakeCompleter, hist store.HistoryStore) *Pipeline {
	t.Helper()
	p, err := New(extractor.New(nil), idx, ret, comp, hist, Config{MaxRetries: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

var testScope = rag.Scope{OwnerID: "alice", SessionID: "s1"}

// ----------------------------------------------------------------------- //
// Ingest

func TestIngest_InvalidInput(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSessionIndex(), &fakeRetriever{}, &fakeCompleter{}, nil)

	if _, err := p.Ingest(context.Background(), rag.Scope{OwnerID: "alice"}, []File{{Name: "a.txt"}}); !errors.Is(err, rag.ErrInvalidRequest) {
		t.Errorf("Ingest(invalid scope) error = %v, want ErrInvalidRequest", err)
	}
	if _, err := p.Ingest(context.Background(), testScope, nil); !errors.Is(err, rag.ErrInvalidRequest) {
		t.Errorf("Ingest(no files) error = %v, want ErrInvalidRequest", err)
	}
}

func TestIngest_PartialFailureContainment(t *testing.T) {
	t.Parallel()

	idx := newFakeSessionIndex()
	p := newTestPipeline(t, idx, &fakeRetriever{}, &fakeCompleter{}, nil)

	files := []File{
		{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("The patient was prescribed lisinopril 10mg daily.")},
		{Name: "image.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}},
		{Name: "empty.txt", MIMEType: "text/plain", Data: []byte("   \n  ")},
	}

	results, err := p.Ingest(context.Background(), testScope, files)
	if err != nil {
		t.Fatalf("Ingest() error = %v, want per-file containment", err)
	}
	if len(results) != 3 {
		t.Fatalf("Ingest() returned %d results, want 3", len(results))
	}

	byName := make(map[string]FileResult, len(results))
	for _, r := range results {
		byName[r.Filename] = r
	}

	if got := byName["notes.txt"]; got.Status != StatusIndexed || got.Chunks == 0 || got.DocumentID == "" {
		t.Errorf("notes.txt result = %+v, want indexed with chunks and a document ID", got)
	}
	if got := byName["image.png"]; got.Status != StatusSkipped || got.Reason == "" {
		t.Errorf("image.png result = %+v, want skipped with a reason", got)
	}
	if got := byName["empty.txt"]; got.Status != StatusSkipped {
		t.Errorf("empty.txt result = %+v, want skipped", got)
	}

	if idx.indexed(testScope) == 0 {
		t.Error("no chunks reached the index for the good file")
	}
}

func TestIngest_AllFilesFailedIsSystemic(t *testing.T) {
	t.Parallel()

	idx := newFakeSessionIndex()
	idx.failIngests = 10
	p := newTestPipeline(t, idx, &fakeRetriever{}, &fakeCompleter{}, nil)

	files := []File{
		{Name: "a.txt", MIMEType: "text/plain", Data: []byte("alpha content")},
		{Name: "b.txt", MIMEType: "text/plain", Data: []byte("beta content")},
	}

	results, err := p.Ingest(context.Background(), testScope, files)
	if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Fatalf("Ingest() error = %v, want ErrEmbeddingUnavailable when every file fails", err)
	}
	for _, r := range results {
		if r.Status != StatusFailed {
			t.Errorf("%s status = %s, want failed", r.Filename, r.Status)
		}
	}
}

func TestIngest_AllSkippedIsNotAnError(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSessionIndex(), &fakeRetriever{}, &fakeCompleter{}, nil)

	files := []File{
		{Name: "image.png", MIMEType: "image/png", Data: []byte{1}},
		{Name: "blank.txt", MIMEType: "text/plain", Data: []byte(" ")},
	}

	results, err := p.Ingest(context.Background(), testScope, files)
	if err != nil {
		t.Fatalf("Ingest() error = %v, want nil when nothing was attempted", err)
	}
	for _, r := range results {
		if r.Status != StatusSkipped {
			t.Errorf("%s status = %s, want skipped", r.Filename, r.Status)
		}
	}
}

func TestIngest_RetryResumesFromPartialProgress(t *testing.T) {
	t.Parallel()

	idx := newFakeSessionIndex()
	idx.failIngests = 1
	idx.partial = 1 // first attempt indexes one chunk then fails

	ret := &fakeRetriever{}
	comp := &fakeCompleter{}
	p, err := New(extractor.New(nil), idx, ret, comp, nil, Config{
		MaxRetries:   2,
		ChunkSize:    50,
		ChunkOverlap: 5,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Enough text for several chunks at size 50.
	data := []byte("The patient presented with a persistent dry cough lasting three weeks and was prescribed a short course of antibiotics followed by a review.")
	results, err := p.Ingest(context.Background(), testScope, []File{{Name: "a.txt", MIMEType: "text/plain", Data: data}})
	if err != nil {
		t.Fatalf("Ingest() error = %v, want success after retry", err)
	}
	if results[0].Status != StatusIndexed {
		t.Fatalf("result = %+v, want indexed", results[0])
	}
	if idx.indexed(testScope) != results[0].Chunks {
		t.Errorf("index holds %d chunks, result reports %d: chunks were re-sent or lost across the retry",
			idx.indexed(testScope), results[0].Chunks)
	}
}

func TestIngest_DeterministicDocumentIDs(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeSessionIndex(), &fakeRetriever{}, &fakeCompleter{}, nil)

	file := []File{{Name: "report.txt", MIMEType: "text/plain", Data: []byte("some report text")}}
	first, err := p.Ingest(context.Background(), testScope, file)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	second, err := p.Ingest(context.Background(), testScope, file)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if first[0].DocumentID != second[0].DocumentID {
		t.Error("re-ingesting the same file produced a different document ID")
	}

	other := rag.Scope{OwnerID: "bob", SessionID: "s1"}
	third, err := p.Ingest(context.Background(), other, file)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if third[0].DocumentID == first[0].DocumentID {
		t.Error("same filename in a different scope produced the same document ID")
	}
}

// ----------------------------------------------------------------------- //
// Ask

func TestAsk_NoContextForUnknownScope(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{err: fmt.Errorf("fake: %w", rag.ErrScopeNotFound)}
	p := newTestPipeline(t, newFakeSessionIndex(), ret, &fakeCompleter{}, nil)

	_, err := p.Ask(context.Background(), testScope, "what is the dosage?")
	if !errors.Is(err, rag.ErrNoContext) {
		t.Errorf("Ask() error = %v, want ErrNoContext", err)
	}
}

func TestAsk_HappyPath(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{
		{Chunk: rag.Chunk{Text: "lisinopril 10mg daily", DocumentID: "doc-1"}, Score: 0.92},
	}}
	comp := &fakeCompleter{response: "The dosage is 10mg daily."}
	hist := newFakeHistory()
	p := newTestPipeline(t, newFakeSessionIndex(), ret, comp, hist)

	answer, err := p.Ask(context.Background(), testScope, "what is the dosage?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Text != "The dosage is 10mg daily." {
		t.Errorf("Ask() answer = %q", answer.Text)
	}
	if answer.Refused {
		t.Error("Ask() marked a grounded answer as refused")
	}
	if len(answer.Sources) != 1 || answer.Sources[0].DocumentID != "doc-1" {
		t.Errorf("Ask() sources = %v, want the retrieved chunk", answer.Sources)
	}

	msgs, _ := hist.History(context.Background(), testScope)
	if len(msgs) != 2 || msgs[0].Type != store.TypeQuestion || msgs[1].Type != store.TypeAnswer {
		t.Errorf("history = %v, want question then answer", msgs)
	}
}

func TestAsk_CompletionFailure(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "x"}}}}
	comp := &fakeCompleter{failures: 100}
	p := newTestPipeline(t, newFakeSessionIndex(), ret, comp, nil)

	_, err := p.Ask(context.Background(), testScope, "question?")
	if !errors.Is(err, rag.ErrCompletionFailed) {
		t.Errorf("Ask() error = %v, want ErrCompletionFailed", err)
	}
}

func TestAsk_RetriesTransientCompletionFailure(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "x"}}}}
	comp := &fakeCompleter{failures: 1, response: "recovered"}
	p, err := New(extractor.New(nil), newFakeSessionIndex(), ret, comp, nil, Config{MaxRetries: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := p.Ask(context.Background(), testScope, "question?")
	if err != nil {
		t.Fatalf("Ask() error = %v, want recovery on retry", err)
	}
	if answer.Text != "recovered" {
		t.Errorf("Ask() answer = %q, want %q", answer.Text, "recovered")
	}
	if comp.calls != 2 {
		t.Errorf("completer called %d times, want 2", comp.calls)
	}
}

func TestAsk_RefusalDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     bool
	}{
		{name: "exact refusal", response: rag.RefusalSignal, want: true},
		{name: "re-cased refusal", response: "i cannot determine this from the provided documents.", want: true},
		{name: "grounded answer", response: "The dosage is 10mg.", want: false},
		{name: "long answer quoting the phrase", response: "The context says a lot. While one section notes that we cannot determine this from the provided documents, another gives the dosage as 10mg.", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "x"}}}}
			comp := &fakeCompleter{response: tt.response}
			p := newTestPipeline(t, newFakeSessionIndex(), ret, comp, nil)

			answer, err := p.Ask(context.Background(), testScope, "question?")
			if err != nil {
				t.Fatalf("Ask() error = %v", err)
			}
			if answer.Refused != tt.want {
				t.Errorf("Refused = %v, want %v for %q", answer.Refused, tt.want, tt.response)
			}
		})
	}
}

func TestAsk_HistoryFailureDoesNotFailAnswer(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "x"}}}}
	hist := newFakeHistory()
	hist.err = errors.New("disk full")
	p := newTestPipeline(t, newFakeSessionIndex(), ret, &fakeCompleter{response: "answer"}, hist)

	answer, err := p.Ask(context.Background(), testScope, "question?")
	if err != nil {
		t.Fatalf("Ask() error = %v, persistence must not fail the flow", err)
	}
	if answer.Text != "answer" {
		t.Errorf("Ask() answer = %q", answer.Text)
	}
}

// ----------------------------------------------------------------------- //
// ExtractCards

const validCard = `[{"name":"hypertension","sentence":"Patient has hypertension.","text":"hypertension","attributes":{"derivedGeneric":false,"polarity":"positive","relTime":"current status"}}]`

func TestExtractCards_HappyPath(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "Patient has hypertension."}}}}
	comp := &fakeCompleter{response: validCard}
	hist := newFakeHistory()
	p := newTestPipeline(t, newFakeSessionIndex(), ret, comp, hist)

	raw, err := p.ExtractCards(context.Background(), testScope, "")
	if err != nil {
		t.Fatalf("ExtractCards() error = %v", err)
	}

	var parsed []map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("ExtractCards() returned unparseable payload: %v", err)
	}
	if len(parsed) != 1 || parsed[0]["name"] != "hypertension" {
		t.Errorf("ExtractCards() payload = %v", parsed)
	}

	if comp.gotOpts == nil || !comp.gotOpts.JSONMode {
		t.Error("completion not requested in JSON mode")
	}

	records, _ := hist.Cards(context.Background(), testScope)
	if len(records) != 1 {
		t.Errorf("persisted %d card records, want 1", len(records))
	}
}

func TestExtractCards_MalformedCompletion(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{retrieved: []rag.ScoredChunk{{Chunk: rag.Chunk{Text: "x"}}}}
	comp := &fakeCompleter{response: `[{"sentence":"x"}]`} // missing required fields
	p := newTestPipeline(t, newFakeSessionIndex(), ret, comp, nil)

	_, err := p.ExtractCards(context.Background(), testScope, "problems")
	if !errors.Is(err, rag.ErrMalformedCompletion) {
		t.Errorf("ExtractCards() error = %v, want ErrMalformedCompletion", err)
	}
}

func TestExtractCards_NoContext(t *testing.T) {
	t.Parallel()

	ret := &fakeRetriever{err: fmt.Errorf("fake: %w", rag.ErrScopeNotFound)}
	p := newTestPipeline(t, newFakeSessionIndex(), ret, &fakeCompleter{}, nil)

	_, err := p.ExtractCards(context.Background(), testScope, "problems")
	if !errors.Is(err, rag.ErrNoContext) {
		t.Errorf("ExtractCards() error = %v, want ErrNoContext", err)
	}
}

// ----------------------------------------------------------------------- //
// Dispose

func TestDispose(t *testing.T) {
	t.Parallel()

	idx := newFakeSessionIndex()
	hist := newFakeHistory()
	p := newTestPipeline(t, idx, &fakeRetriever{}, &fakeCompleter{}, hist)

	if err := p.Dispose(context.Background(), rag.Scope{OwnerID: "alice"}); !errors.Is(err, rag.ErrInvalidRequest) {
		t.Errorf("Dispose(invalid scope) error = %v, want ErrInvalidRequest", err)
	}

	if err := p.Dispose(context.Background(), testScope); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if len(idx.disposed) != 1 || idx.disposed[0] != testScope {
		t.Errorf("index disposed scopes = %v, want [%v]", idx.disposed, testScope)
	}
	if len(hist.deleted) != 1 || hist.deleted[0] != testScope {
		t.Errorf("history deleted scopes = %v, want [%v]", hist.deleted, testScope)
	}
}
