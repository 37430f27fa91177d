// Package perception holds the external collaborators: the text-generation
// model, the research-query client, and the advisory entity extractor. Each
// is specified at its interface boundary so backends can be swapped without
// touching the engine.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"plotloom/internal/config"
	"plotloom/internal/logging"
)

// ErrRetryable marks a failure that left zero side effects and may be safely
// retried. Retry is never automatic at this layer; a duplicate model call
// risks duplicate action application, so retries are explicit and
// user-initiated.
var ErrRetryable = errors.New("external call failed with no side effects; retry explicitly")

// LLMClient is the text-generation collaborator.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient builds a client from the LLM config.
func NewOpenAIClient(cfg config.LLMConfig, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single-user-message completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, []chatMessage{{Role: "user", Content: prompt}})
}

// CompleteWithSystem sends a completion with a system preamble.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return c.chat(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	})
}

func (c *OpenAIClient) chat(ctx context.Context, messages []chatMessage) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "chat")
	defer timer.StopWithThreshold(5 * time.Second)

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logging.APIDebug("Model call: model=%s messages=%d", c.model, len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and cancellations happen before any reply was consumed,
		// so the turn has no side effects yet.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTimeout(err) {
			logging.Get(logging.CategoryAPI).Warn("Model call timed out: %v", err)
			return "", fmt.Errorf("model call timed out: %w", ErrRetryable)
		}
		return "", fmt.Errorf("model call failed: %w (%v)", ErrRetryable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read model response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		logging.Get(logging.CategoryAPI).Warn("Model endpoint returned %d", resp.StatusCode)
		return "", fmt.Errorf("model endpoint returned %d: %w", resp.StatusCode, ErrRetryable)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse model response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
