package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nexhire/interview-agent/internal/models"
)

// QuestionSpec describes a question-set generation request.
type QuestionSpec struct {
	JobTitle       string
	JobDescription string
	Round          models.Round
	Count          int
}

// generatedQuestion is the loosely-typed shape the model returns; fields are
// normalized into the closed enums before leaving this package.
type generatedQuestion struct {
	Text           string   `json:"text"`
	Type           string   `json:"type"`
	EvalMode       string   `json:"evalMode"`
	Difficulty     string   `json:"difficulty"`
	Weight         int      `json:"weight"`
	ExpectedAnswer string   `json:"expectedAnswer"`
	Options        []string `json:"options"`
}

// GenerateQuestions returns exactly spec.Count questions regardless of model
// compliance: short results are padded with derived variants, long results
// are truncated.
func (c *Client) GenerateQuestions(ctx context.Context, spec QuestionSpec) ([]models.Question, error) {
	if spec.Count <= 0 {
		return nil, fmt.Errorf("llm: question count must be positive, got %d", spec.Count)
	}
	prompt := questionsPrompt(spec)
	raw, err := c.completePooled(ctx, chatRequest{
		Messages: []chatMessage{
			{Role: string(models.RoleSystem), Content: "You design interview question sets. Respond with exactly one JSON array and nothing else."},
			{Role: string(models.RoleUser), Content: prompt},
		},
		Temperature:         0.6,
		MaxCompletionTokens: 2048,
	})
	if err != nil {
		return nil, err
	}

	var generated []generatedQuestion
	if err := json.Unmarshal([]byte(stripFences(raw)), &generated); err != nil {
		return nil, fmt.Errorf("llm: parse generated questions: %w", err)
	}

	questions := make([]models.Question, 0, len(generated))
	for _, g := range generated {
		if strings.TrimSpace(g.Text) == "" {
			continue
		}
		questions = append(questions, normalizeQuestion(g))
	}
	return padQuestions(questions, spec.Count), nil
}

func questionsPrompt(spec QuestionSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d interview questions", spec.Count)
	if spec.JobTitle != "" {
		fmt.Fprintf(&b, " for the position of %s", spec.JobTitle)
	}
	if spec.Round != "" {
		fmt.Fprintf(&b, " (%s round)", spec.Round)
	}
	b.WriteString(".\n")
	if spec.JobDescription != "" {
		fmt.Fprintf(&b, "Job description: %s\n", spec.JobDescription)
	}
	b.WriteString(`Respond with a JSON array of objects: {"text", "type" (Text|MCQ|Code|Voice), "evalMode" (Auto|Manual), "difficulty" (Easy|Medium|Hard), "weight" (1-10), "expectedAnswer", "options" (MCQ only)}`)
	return b.String()
}

func normalizeQuestion(g generatedQuestion) models.Question {
	q := models.Question{
		ID:             uuid.NewString(),
		Text:           strings.TrimSpace(g.Text),
		Weight:         g.Weight,
		ExpectedAnswer: strings.TrimSpace(g.ExpectedAnswer),
		Options:        g.Options,
	}
	switch strings.ToLower(strings.TrimSpace(g.Type)) {
	case "mcq", "multiple choice", "multiple-choice":
		q.Type = models.QuestionMCQ
	case "code", "coding":
		q.Type = models.QuestionCode
	case "voice", "audio":
		q.Type = models.QuestionVoice
	default:
		q.Type = models.QuestionText
	}
	switch strings.ToLower(strings.TrimSpace(g.EvalMode)) {
	case "manual", "human":
		q.EvalMode = models.EvalManual
	default:
		q.EvalMode = models.EvalAuto
	}
	switch strings.ToLower(strings.TrimSpace(g.Difficulty)) {
	case "easy", "beginner":
		q.Difficulty = models.DifficultyEasy
	case "hard", "advanced", "expert":
		q.Difficulty = models.DifficultyHard
	default:
		q.Difficulty = models.DifficultyMedium
	}
	if q.Weight < 1 || q.Weight > 10 {
		q.Weight = 5
	}
	return q
}

// padQuestions enforces the exact-count contract. The "(variation N)"
// duplication is a stopgap, isolated here so the strategy can be replaced
// without touching callers.
func padQuestions(questions []models.Question, count int) []models.Question {
	if len(questions) >= count {
		return questions[:count]
	}
	if len(questions) == 0 {
		for i := 0; i < count; i++ {
			questions = append(questions, models.Question{
				ID:       uuid.NewString(),
				Text:     fmt.Sprintf("Tell me about your relevant experience (part %d).", i+1),
				Type:     models.QuestionText,
				EvalMode: models.EvalAuto,
				Weight:   5,
			})
		}
		return questions
	}
	for i := 0; len(questions) < count; i++ {
		base := questions[i%len(questions)]
		variant := base
		variant.ID = uuid.NewString()
		variant.Text = fmt.Sprintf("%s (variation %d)", base.Text, len(questions)+1)
		questions = append(questions, variant)
	}
	return questions
}

// GenerateJobDescription produces a plain-text job description draft.
func (c *Client) GenerateJobDescription(ctx context.Context, title string, skills []string) (string, error) {
	prompt := fmt.Sprintf("Write a concise job description for the position of %s.", title)
	if len(skills) > 0 {
		prompt += fmt.Sprintf(" Required skills: %s.", strings.Join(skills, ", "))
	}
	prompt += " Plain text, 3-5 short paragraphs, no markdown."
	return c.completePooled(ctx, chatRequest{
		Messages:            []chatMessage{{Role: string(models.RoleUser), Content: prompt}},
		Temperature:         0.7,
		MaxCompletionTokens: 1024,
	})
}

// GenerateSkills extracts a skill list for a role from its description.
func (c *Client) GenerateSkills(ctx context.Context, title, description string) ([]string, error) {
	prompt := fmt.Sprintf("List the key skills for the position of %s.\nJob description: %s\nRespond with a JSON array of skill name strings only.", title, description)
	raw, err := c.completePooled(ctx, chatRequest{
		Messages:            []chatMessage{{Role: string(models.RoleUser), Content: prompt}},
		Temperature:         0.3,
		MaxCompletionTokens: 512,
	})
	if err != nil {
		return nil, err
	}
	var skills []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &skills); err != nil {
		return nil, fmt.Errorf("llm: parse skills: %w", err)
	}
	out := skills[:0]
	for _, s := range skills {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// GenerateCompanySummary drafts a short company blurb.
func (c *Client) GenerateCompanySummary(ctx context.Context, name, industry string) (string, error) {
	prompt := fmt.Sprintf("Write a two-paragraph company summary for %s", name)
	if industry != "" {
		prompt += fmt.Sprintf(" in the %s industry", industry)
	}
	prompt += ". Plain text, no markdown."
	return c.completePooled(ctx, chatRequest{
		Messages:            []chatMessage{{Role: string(models.RoleUser), Content: prompt}},
		Temperature:         0.7,
		MaxCompletionTokens: 512,
	})
}

// GenerateRemarks summarizes a completed job interview. Callers fall back to
// templated text on error.
func (c *Client) GenerateRemarks(ctx context.Context, jobTitle string, answered, total, average int) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize an interview result for a %s candidate in 2-3 sentences for a recruiter. Answered %d of %d questions with an average score of %d/100. Plain text.",
		jobTitle, answered, total, average)
	return c.completePooled(ctx, chatRequest{
		Messages:            []chatMessage{{Role: string(models.RoleUser), Content: prompt}},
		Temperature:         0.5,
		MaxCompletionTokens: 256,
	})
}

// GeneratePerformanceReport produces the holistic report for mock sessions.
func (c *Client) GeneratePerformanceReport(ctx context.Context, transcript []models.Turn) (string, error) {
	var b strings.Builder
	b.WriteString("Write a candidate performance report for this mock interview: strengths, weaknesses, and one improvement suggestion. Plain text, under 200 words.\n\n")
	for _, t := range transcript {
		if t.Role == models.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(t.Role)), t.Content)
	}
	return c.completePooled(ctx, chatRequest{
		Messages:            []chatMessage{{Role: string(models.RoleUser), Content: b.String()}},
		Temperature:         0.5,
		MaxCompletionTokens: 768,
	})
}
