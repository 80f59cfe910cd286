package completer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/54b3r/docqa-go/internal/rag"
)

func TestOpenAICompleter_Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("request = %+v", req)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v, want json_object", req.ResponseFormat)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"answer":"42"}`}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(&OpenAICompleterConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})

	got, err := c.Complete(context.Background(), "the prompt", &rag.CompleteOptions{JSONMode: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != `{"answer":"42"}` {
		t.Errorf("Complete() = %q", got)
	}
}

func TestOpenAICompleter_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit reached"},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(&OpenAICompleterConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := c.Complete(context.Background(), "prompt", nil)
	if err == nil || !strings.Contains(err.Error(), "rate limit reached") {
		t.Errorf("Complete() error = %v, want the API error message", err)
	}
}

func TestOpenAICompleter_NoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(&OpenAICompleterConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, err := c.Complete(context.Background(), "prompt", nil); err == nil {
		t.Error("Complete() with no choices expected error")
	}
}

func TestOpenAICompleter_AzureLayout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/deployments/gpt-4o/chat/completions") {
			t.Errorf("path = %q, want Azure deployment layout", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2025-04-01-preview" {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if got := r.Header.Get("api-key"); got != "azure-key" {
			t.Errorf("api-key header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(&OpenAICompleterConfig{
		BaseURL:    srv.URL,
		APIKey:     "azure-key",
		Model:      "gpt-4o",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})

	if _, err := c.Complete(context.Background(), "prompt", nil); err != nil {
		t.Errorf("Complete() error = %v", err)
	}
}

func TestOllamaCompleter_Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("streaming requested, want non-streaming")
		}
		if req.Format != "json" {
			t.Errorf("format = %q, want json", req.Format)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"x":1}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	c := NewOllamaCompleter(&OllamaCompleterConfig{Host: srv.URL, Model: "llama3.2"})
	got, err := c.Complete(context.Background(), "prompt", &rag.CompleteOptions{JSONMode: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != `{"x":1}` {
		t.Errorf("Complete() = %q", got)
	}
}

// ----------------------------------------------------------------------- //
// Factory

func clearCompleterEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"COMPLETION_PROVIDER", "MODEL_PROVIDER", "MODEL_NAME",
		"OLLAMA_HOST", "OPENAI_API_KEY", "OPENAI_BASE_URL",
		"GROQ_API_KEY", "GROQ_BASE_URL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_VERSION",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestNewFromEnv_DefaultsToOllama(t *testing.T) {
	clearCompleterEnv(t)

	c, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	if _, ok := c.(*OllamaCompleter); !ok {
		t.Errorf("NewFromEnv() = %T, want *OllamaCompleter", c)
	}
}

func TestNewFromEnv_GroqRequiresKey(t *testing.T) {
	clearCompleterEnv(t)
	t.Setenv("MODEL_PROVIDER", "groq")

	if _, err := NewFromEnv(); err == nil {
		t.Error("NewFromEnv() without GROQ_API_KEY expected error")
	}

	t.Setenv("GROQ_API_KEY", "gsk-test")
	c, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	oc, ok := c.(*OpenAICompleter)
	if !ok {
		t.Fatalf("NewFromEnv() = %T, want *OpenAICompleter for groq", c)
	}
	if oc.baseURL != groqBaseURL || oc.model != defaultGroqModel {
		t.Errorf("groq completer = %q/%q", oc.baseURL, oc.model)
	}
}

func TestNewFromEnv_CompletionProviderOverridesModelProvider(t *testing.T) {
	clearCompleterEnv(t)
	t.Setenv("MODEL_PROVIDER", "groq")
	t.Setenv("COMPLETION_PROVIDER", "ollama")

	c, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	if _, ok := c.(*OllamaCompleter); !ok {
		t.Errorf("NewFromEnv() = %T, want COMPLETION_PROVIDER to win", c)
	}
}

func TestNewFromEnv_UnknownProvider(t *testing.T) {
	clearCompleterEnv(t)
	t.Setenv("MODEL_PROVIDER", "watson")

	if _, err := NewFromEnv(); err == nil {
		t.Error("NewFromEnv() with unknown provider expected error")
	}
}
