package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/docqa-go/internal/pipeline"
)

// newMetricsTestServer builds a Server backed by a fresh isolated registry so
// tests do not pollute prometheus.DefaultRegisterer.
func newMetricsTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := &Server{
		pipeline: &fakeOrchestrator{},
		cfg:      &Config{Registry: reg, MaxUploadBytes: 1 << 20},
		metrics:  newServerMetrics(reg),
	}
	return s, reg
}

func TestMetrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	_, reg := newMetricsTestServer(t)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("want 200, got %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func TestMetrics_AskCounterIncremented(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	s.metrics.askRequestsTotal.WithLabelValues("ok").Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "docqa_ask_requests_total" {
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "outcome" && lp.GetValue() == "ok" {
						if m.GetCounter().GetValue() != 1 {
							t.Errorf("want counter=1, got %v", m.GetCounter().GetValue())
						}
						found = true
					}
				}
			}
		}
	}
	if !found {
		t.Error("docqa_ask_requests_total{outcome=\"ok\"} not found in gathered metrics")
	}
}

func TestMetrics_UploadOutcomesCounted(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	s.pipeline = &fakeOrchestrator{ingestResults: []pipeline.FileResult{
		{Filename: "a.txt", Status: pipeline.StatusIndexed, Chunks: 4},
		{Filename: "b.png", Status: pipeline.StatusSkipped},
	}}

	body, contentType := multipartUpload(t, "alice", "s1", map[string]string{"a.txt": "x", "b.png": "y"})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	outcomes := map[string]float64{}
	var chunks float64
	for _, mf := range mfs {
		switch mf.GetName() {
		case "docqa_ingest_files_total":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "outcome" {
						outcomes[lp.GetValue()] = m.GetCounter().GetValue()
					}
				}
			}
		case "docqa_ingest_chunks_indexed_total":
			chunks = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}

	if outcomes["indexed"] != 1 || outcomes["skipped"] != 1 {
		t.Errorf("file outcomes = %v, want one indexed and one skipped", outcomes)
	}
	if chunks != 4 {
		t.Errorf("chunks indexed = %v, want 4", chunks)
	}
}

func TestInstrument_CountsRequests(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	h := s.instrument("health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != "docqa_http_requests_total" {
			continue
		}
		m := mf.GetMetric()[0]
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["method"] != "GET" || labels["handler"] != "health" || labels["code"] != "200" {
			t.Errorf("labels = %v", labels)
		}
		if m.GetCounter().GetValue() != 1 {
			t.Errorf("counter = %v, want 1", m.GetCounter().GetValue())
		}
		return
	}
	t.Error("docqa_http_requests_total not found in gathered metrics")
}
