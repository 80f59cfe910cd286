package completer

import (
	"fmt"
	"os"

	"github.com/54b3r/docqa-go/internal/rag"
)

// Default chat models per backend.
const (
	defaultOllamaModel = "llama3.2"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultGroqModel   = "llama3-70b-8192"

	groqBaseURL = "https://api.groq.com/openai/v1"
)

// NewFromEnv constructs a rag.Completer from the environment.
//
// Resolution order:
//
//  1. COMPLETION_PROVIDER — if unset, inherits MODEL_PROVIDER (default: ollama)
//  2. MODEL_NAME — overrides the default chat model for the resolved backend
//  3. Per-backend credentials: OPENAI_API_KEY, GROQ_API_KEY,
//     AZURE_OPENAI_API_KEY / AZURE_OPENAI_ENDPOINT, OLLAMA_HOST
func NewFromEnv() (rag.Completer, error) {
	backend := os.Getenv("COMPLETION_PROVIDER")
	if backend == "" {
		backend = getEnvOrDefault("MODEL_PROVIDER", "ollama")
	}

	switch backend {
	case "ollama":
		return NewOllamaCompleter(&OllamaCompleterConfig{
			Host:  getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
			Model: getEnvOrDefault("MODEL_NAME", defaultOllamaModel),
		}), nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("completer: openai requires OPENAI_API_KEY")
		}
		return NewOpenAICompleter(&OpenAICompleterConfig{
			BaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  apiKey,
			Model:   getEnvOrDefault("MODEL_NAME", defaultOpenAIModel),
		}), nil

	case "groq":
		apiKey := os.Getenv("GROQ_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("completer: groq requires GROQ_API_KEY")
		}
		// Groq exposes an OpenAI-compatible surface; only the base URL and
		// key source differ.
		return NewOpenAICompleter(&OpenAICompleterConfig{
			BaseURL: getEnvOrDefault("GROQ_BASE_URL", groqBaseURL),
			APIKey:  apiKey,
			Model:   getEnvOrDefault("MODEL_NAME", defaultGroqModel),
		}), nil

	case "azure":
		apiKey := os.Getenv("AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("completer: azure requires AZURE_OPENAI_API_KEY")
		}
		endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, fmt.Errorf("completer: azure requires AZURE_OPENAI_ENDPOINT")
		}
		return NewOpenAICompleter(&OpenAICompleterConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      getEnvOrDefault("MODEL_NAME", defaultOpenAIModel),
			Azure:      true,
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	default:
		return nil, fmt.Errorf("completer: unknown backend %q — valid values: ollama, openai, groq, azure", backend)
	}
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
