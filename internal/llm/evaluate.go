package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nexhire/interview-agent/internal/models"
)

// evaluationFallbackAnalysis is what the candidate record shows when grading
// could not run at all.
const evaluationFallbackAnalysis = "Evaluation failed."

// EvaluateAnswer grades a single answer against the rubric. It never returns
// an error: a session must finish even when grading cannot, so every failure
// path degrades to a conservative default instead of propagating. Rate limits
// are still retried by the pool before the fallback kicks in.
func (c *Client) EvaluateAnswer(ctx context.Context, question, expected, answer string) models.Evaluation {
	prompt := evaluationPrompt(question, expected, answer)
	raw, err := c.completePooled(ctx, chatRequest{
		Messages: []chatMessage{
			{Role: string(models.RoleSystem), Content: "You are a strict interview grader. Respond with exactly one JSON object and nothing else."},
			{Role: string(models.RoleUser), Content: prompt},
		},
		Temperature:         0.2,
		MaxCompletionTokens: 512,
	})
	if err != nil {
		c.Log.WithError(err).Warn("llm: answer evaluation failed, using zero-score fallback")
		return fallbackEvaluation(expected)
	}
	return parseEvaluation(raw, expected)
}

func evaluationPrompt(question, expected, answer string) string {
	var b strings.Builder
	b.WriteString("Evaluate the candidate's answer.\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	if expected != "" {
		fmt.Fprintf(&b, "Expected answer: %s\n", expected)
	}
	fmt.Fprintf(&b, "Candidate answer: %s\n", answer)
	b.WriteString("Score out of 100 using this rubric: relevance 0-40, accuracy 0-30, completeness 0-20, clarity 0-10.\n")
	b.WriteString(`Respond with JSON: {"accuracy": <0-100 integer>, "correctedAnswer": "<ideal answer>", "answerAnalysis": "<short analysis>"}`)
	return b.String()
}

// parseEvaluation tolerates fenced code blocks and malformed output. Parse
// failure falls back to scanning for the first integer in the raw text.
func parseEvaluation(raw, expected string) models.Evaluation {
	var ev models.Evaluation
	if err := json.Unmarshal([]byte(stripFences(raw)), &ev); err != nil {
		ev = models.Evaluation{Accuracy: firstInt(raw)}
	}
	ev.Accuracy = clampScore(ev.Accuracy)
	if strings.TrimSpace(ev.CorrectedAnswer) == "" {
		ev.CorrectedAnswer = fallbackCorrected(expected)
	}
	if strings.TrimSpace(ev.AnswerAnalysis) == "" {
		ev.AnswerAnalysis = evaluationFallbackAnalysis
	}
	return ev
}

func fallbackEvaluation(expected string) models.Evaluation {
	return models.Evaluation{
		Accuracy:        0,
		CorrectedAnswer: fallbackCorrected(expected),
		AnswerAnalysis:  evaluationFallbackAnalysis,
	}
}

func fallbackCorrected(expected string) string {
	if strings.TrimSpace(expected) != "" {
		return expected
	}
	return "No reference answer available."
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

var (
	fencedRe = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.*?)\\s*```\\s*$")
	intRe    = regexp.MustCompile(`-?\d+`)
)

// stripFences unwraps a response that arrived inside a fenced code block.
func stripFences(s string) string {
	if m := fencedRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// firstInt returns the first integer found in s, or zero.
func firstInt(s string) int {
	m := intRe.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}
