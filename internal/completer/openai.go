// Package completer provides implementations of the rag.Completer interface
// for generating answers from assembled prompts. Like the embedder package,
// each implementation talks to its backend (OpenAI-compatible APIs including
// Groq and Azure, or Ollama) via plain HTTP with no SDK dependencies.
package completer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/54b3r/docqa-go/internal/rag"
)

// OpenAICompleter implements rag.Completer against any OpenAI-compatible
// chat completions API (OpenAI, Groq, Azure OpenAI). It is safe for
// concurrent use.
type OpenAICompleter struct {
	// baseURL is the API base (e.g. "https://api.openai.com/v1" or
	// "https://api.groq.com/openai/v1").
	baseURL string
	// apiKey is the Bearer token (OpenAI/Groq) or api-key header value (Azure).
	apiKey string
	// model is the chat model name (e.g. "gpt-4o-mini", "llama3-70b-8192").
	model string
	// azure selects Azure-style auth and URL layout.
	azure bool
	// apiVersion is the Azure OpenAI API version query param.
	apiVersion string
	// client is the shared HTTP client with a generous timeout; completions
	// are the slowest calls the service makes.
	client *http.Client
}

// OpenAICompleterConfig holds the settings for constructing an OpenAICompleter.
type OpenAICompleterConfig struct {
	// BaseURL is the API base URL.
	BaseURL string
	// APIKey is the authentication key.
	APIKey string
	// Model is the chat model name.
	Model string
	// Azure enables Azure OpenAI mode (api-key header + api-version param).
	Azure bool
	// APIVersion is the Azure OpenAI API version. Ignored when Azure is false.
	APIVersion string
}

// NewOpenAICompleter constructs an OpenAICompleter from the given config.
func NewOpenAICompleter(cfg *OpenAICompleterConfig) *OpenAICompleter {
	return &OpenAICompleter{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		azure:      cfg.Azure,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

// chatMessage is one message in a chat completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseFormat requests a structured output mode from the API.
type responseFormat struct {
	Type string `json:"type"`
}

// chatCompletionRequest is the JSON body sent to the chat completions endpoint.
type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// chatCompletionResponse is the JSON body returned from the endpoint.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the assembled prompt as a single user message and returns
// the model's answer text.
func (c *OpenAICompleter) Complete(ctx context.Context, promptText string, opts *rag.CompleteOptions) (string, error) {
	if opts == nil {
		opts = &rag.CompleteOptions{}
	}

	body := chatCompletionRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: promptText}},
	}
	if opts.Temperature != nil {
		body.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		body.MaxTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("openai completer: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	if c.azure {
		url = c.baseURL + "/deployments/" + c.model + "/chat/completions?api-version=" + c.apiVersion
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("openai completer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.azure {
		req.Header.Set("api-key", c.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai completer: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("openai completer: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil {
			msg = result.Error.Message
		}
		return "", fmt.Errorf("openai completer: %s", msg)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai completer: response contained no choices")
	}

	return result.Choices[0].Message.Content, nil
}
