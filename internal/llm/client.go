// Package llm wraps the OpenAI-compatible chat-completions endpoint behind
// typed request builders and constrained response parsers. Every call goes
// through the credential pool so rate limits rotate keys instead of failing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexhire/interview-agent/internal/keypool"
)

// APIError carries the upstream HTTP status so the pool can classify 429s.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: status=%d body=%s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

// Client talks to a chat-completions endpoint through a rotating key pool.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	Model      string
	Pool       *keypool.Pool
	Log        logrus.FieldLogger
}

// NewClient constructs a Client with the default HTTP timeout. Streaming
// requests override the timeout per call.
func NewClient(endpoint, model string, pool *keypool.Pool, log logrus.FieldLogger) *Client {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Endpoint:   endpoint,
		Model:      model,
		Pool:       pool,
		Log:        log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         float64       `json:"temperature"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	TopP                float64       `json:"top_p,omitempty"`
	Stream              bool          `json:"stream"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// complete performs one non-streamed request with the given credential and
// returns choices[0].message.content. Rate limits surface as *APIError for
// the pool to catch.
func (c *Client) complete(ctx context.Context, cred string, req chatRequest) (string, error) {
	req.Model = c.Model
	req.Stream = false
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// completePooled runs complete through the key rotation pool.
func (c *Client) completePooled(ctx context.Context, req chatRequest) (string, error) {
	return keypool.InvokeT(ctx, c.Pool, func(ctx context.Context, cred string) (string, error) {
		return c.complete(ctx, cred, req)
	})
}
