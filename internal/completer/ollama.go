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

// OllamaCompleter implements rag.Completer using the Ollama /api/chat
// endpoint in non-streaming mode. It is safe for concurrent use.
type OllamaCompleter struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the chat model name (e.g. "llama3.2").
	model string
	// client is the shared HTTP client with a generous timeout.
	client *http.Client
}

// OllamaCompleterConfig holds the settings for constructing an OllamaCompleter.
type OllamaCompleterConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the chat model name (e.g. "llama3.2").
	Model string
}

// NewOllamaCompleter constructs an OllamaCompleter from the given config.
func NewOllamaCompleter(cfg *OllamaCompleterConfig) *OllamaCompleter {
	return &OllamaCompleter{
		host:   cfg.Host,
		model:  cfg.Model,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// ollamaChatRequest is the JSON body sent to the Ollama /api/chat endpoint.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is the JSON body returned from the Ollama /api/chat endpoint.
type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// Complete sends the assembled prompt as a single user message and returns
// the model's answer text.
func (c *OllamaCompleter) Complete(ctx context.Context, promptText string, opts *rag.CompleteOptions) (string, error) {
	if opts == nil {
		opts = &rag.CompleteOptions{}
	}

	body := ollamaChatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: promptText}},
		Stream:   false,
	}
	if opts.JSONMode {
		body.Format = "json"
	}
	options := map[string]any{}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		body.Options = options
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ollama completer: marshal request: %w", err)
	}

	url := c.host + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ollama completer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama completer: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama completer: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return "", fmt.Errorf("ollama completer: %s", msg)
	}

	return result.Message.Content, nil
}
