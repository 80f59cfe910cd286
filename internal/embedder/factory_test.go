package embedder

import (
	"log/slog"
	"os"
	"testing"
)

// clearEmbedderEnv removes every env var the factory reads so each test
// starts from a clean resolution state.
func clearEmbedderEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"EMBEDDING_PROVIDER", "MODEL_PROVIDER",
		"EMBEDDING_MODEL", "EMBEDDING_API_KEY", "EMBEDDING_ENDPOINT", "EMBEDDING_DIMENSIONS",
		"OLLAMA_HOST", "OPENAI_API_KEY",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_VERSION",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestBackend_Resolution(t *testing.T) {
	clearEmbedderEnv(t)
	if got := Backend(); got != "ollama" {
		t.Errorf("Backend() with no env = %q, want ollama", got)
	}

	t.Setenv("MODEL_PROVIDER", "groq")
	if got := Backend(); got != "groq" {
		t.Errorf("Backend() = %q, want inherited groq", got)
	}

	t.Setenv("EMBEDDING_PROVIDER", "openai")
	if got := Backend(); got != "openai" {
		t.Errorf("Backend() = %q, want explicit openai", got)
	}
}

func TestNewFromEnv_OllamaDefaults(t *testing.T) {
	clearEmbedderEnv(t)

	emb, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	if emb.Model() != defaultOllamaModel {
		t.Errorf("Model() = %q, want %q", emb.Model(), defaultOllamaModel)
	}
}

func TestNewFromEnv_OpenAIRequiresKey(t *testing.T) {
	clearEmbedderEnv(t)
	t.Setenv("MODEL_PROVIDER", "openai")

	if _, err := NewFromEnv(); err == nil {
		t.Error("NewFromEnv() without an API key expected error")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	emb, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	if emb.Model() != defaultOpenAIModel {
		t.Errorf("Model() = %q, want %q", emb.Model(), defaultOpenAIModel)
	}
}

func TestNewFromEnv_GroqPairsWithOpenAIEmbeddings(t *testing.T) {
	clearEmbedderEnv(t)
	t.Setenv("MODEL_PROVIDER", "groq")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	emb, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv() error = %v", err)
	}
	if emb.Model() != defaultOpenAIModel {
		t.Errorf("Model() = %q, want OpenAI embedding model for a groq completion provider", emb.Model())
	}
}

func TestNewFromEnv_AzureRequiresEndpoint(t *testing.T) {
	clearEmbedderEnv(t)
	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("AZURE_OPENAI_API_KEY", "key")

	if _, err := NewFromEnv(); err == nil {
		t.Error("NewFromEnv() without an Azure endpoint expected error")
	}

	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://res.openai.azure.com")
	if _, err := NewFromEnv(); err != nil {
		t.Errorf("NewFromEnv() error = %v", err)
	}
}

func TestNewFromEnv_UnknownBackend(t *testing.T) {
	clearEmbedderEnv(t)
	t.Setenv("EMBEDDING_PROVIDER", "watson")

	if _, err := NewFromEnv(); err == nil {
		t.Error("NewFromEnv() with an unknown backend expected error")
	}
}

func TestDefaultDimensions(t *testing.T) {
	clearEmbedderEnv(t)

	if got := DefaultDimensions("ollama"); got != defaultOllamaDimensions {
		t.Errorf("DefaultDimensions(ollama) = %d, want %d", got, defaultOllamaDimensions)
	}
	if got := DefaultDimensions("openai"); got != defaultOpenAIDimensions {
		t.Errorf("DefaultDimensions(openai) = %d, want %d", got, defaultOpenAIDimensions)
	}

	t.Setenv("EMBEDDING_DIMENSIONS", "3072")
	if got := DefaultDimensions("ollama"); got != 3072 {
		t.Errorf("DefaultDimensions() = %d, want the env override 3072", got)
	}
}

func TestValidate(t *testing.T) {
	log := slog.Default()

	clearEmbedderEnv(t)
	if err := Validate(log); err != nil {
		t.Errorf("Validate() with ollama defaults error = %v", err)
	}

	t.Setenv("MODEL_PROVIDER", "openai")
	if err := Validate(log); err == nil {
		t.Error("Validate() with openai and no key expected error")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	if err := Validate(log); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  bool
	}{
		{"nomic-embed-text", false},
		{"text-embedding-3-small", false},
		{"gpt-4o", true},
		{"llama3-70b-8192", true},
		{"Mixtral-8x7B", true},
	}
	for _, tt := range tests {
		if got := looksLikeChatModel(tt.model); got != tt.want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
