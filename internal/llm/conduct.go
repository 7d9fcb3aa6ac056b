package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nexhire/interview-agent/internal/keypool"
	"github.com/nexhire/interview-agent/internal/models"
)

// streamFrame is the frame shape this layer re-emits. The decoder in
// internal/stream depends on this framing byte for byte.
type streamFrame struct {
	Content string `json:"content"`
}

// upstreamDelta is the OpenAI-style streamed chunk shape.
type upstreamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ConductInterview requests a streamed interviewer turn and returns a reader
// emitting `data: {"content":...}\n\n` frames terminated by `data: [DONE]\n\n`.
// The initial request goes through the key pool so a 429 rotates credentials
// before any byte is streamed; errors after streaming starts are surfaced
// through the returned reader.
func (c *Client) ConductInterview(ctx context.Context, transcript []models.Turn, ictx models.InterviewContext) (io.ReadCloser, error) {
	messages := make([]chatMessage, 0, len(transcript)+1)
	messages = append(messages, chatMessage{Role: string(models.RoleSystem), Content: interviewerPrompt(ictx)})
	for _, t := range transcript {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}

	req := chatRequest{
		Model:               c.Model,
		Messages:            messages,
		Temperature:         0.7,
		MaxCompletionTokens: 256,
		TopP:                0.9,
		Stream:              true,
		ReasoningEffort:     "low",
	}
	body, _ := json.Marshal(req)

	return keypool.InvokeT(ctx, c.Pool, func(ctx context.Context, cred string) (io.ReadCloser, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+cred)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		// Streaming must not inherit the client-wide timeout.
		transport := c.HTTPClient.Transport
		streamClient := &http.Client{Transport: transport}
		resp, err := streamClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, &APIError{Status: resp.StatusCode, Body: string(b)}
		}

		pr, pw := io.Pipe()
		go c.reframe(resp.Body, pw)
		return pr, nil
	})
}

// reframe converts the upstream SSE stream into this layer's framing contract.
func (c *Client) reframe(upstream io.ReadCloser, pw *io.PipeWriter) {
	defer upstream.Close()

	writeFrame := func(content string) error {
		payload, _ := json.Marshal(streamFrame{Content: content})
		_, err := fmt.Fprintf(pw, "data: %s\n\n", payload)
		return err
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk upstreamDelta
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.Log.WithError(err).Debug("llm: skipping malformed upstream chunk")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := writeFrame(content); err != nil {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		_ = pw.CloseWithError(err)
		return
	}
	_, _ = fmt.Fprintf(pw, "data: [DONE]\n\n")
	_ = pw.Close()
}

// interviewerPrompt embeds job and question context plus the delivery-style
// constraint. Replies must stay speakable: short and free of markup.
func interviewerPrompt(ictx models.InterviewContext) string {
	var b strings.Builder
	b.WriteString("You are a professional interviewer conducting a ")
	if ictx.Round != "" {
		b.WriteString(string(ictx.Round))
		b.WriteString(" round ")
	}
	b.WriteString("interview")
	if ictx.JobTitle != "" {
		fmt.Fprintf(&b, " for the position of %s", ictx.JobTitle)
	}
	b.WriteString(".\n")
	if ictx.JobDescription != "" {
		fmt.Fprintf(&b, "Job description: %s\n", ictx.JobDescription)
	}
	if len(ictx.Questions) > 0 {
		b.WriteString("Ask these questions in order:\n")
		for i, q := range ictx.Questions {
			marker := " "
			if i == ictx.CurrentQuestionIndex {
				marker = ">"
			}
			fmt.Fprintf(&b, "%s %d. %s\n", marker, i+1, q.Text)
		}
		fmt.Fprintf(&b, "The current question is number %d.\n", ictx.CurrentQuestionIndex+1)
	}
	b.WriteString("Acknowledge the candidate's answer briefly, then ask the current question. ")
	b.WriteString("Keep every reply to 1-2 short sentences. ")
	b.WriteString("Plain spoken text only: no markdown, no bullet points, no headings.")
	return b.String()
}
