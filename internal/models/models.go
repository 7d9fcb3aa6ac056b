// Package models holds the domain types shared between the interview engine,
// the LLM layer, and the store.
package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of the interview transcript. The transcript is append-only
// during a live session and reset at interview start/end.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Round is the interview phase influencing prompt construction.
type Round string

const (
	RoundGeneral   Round = "General"
	RoundTechnical Round = "Technical"
	RoundHR        Round = "HR"
)

// QuestionType is the closed set of question kinds.
type QuestionType string

const (
	QuestionText  QuestionType = "Text"
	QuestionMCQ   QuestionType = "MCQ"
	QuestionCode  QuestionType = "Code"
	QuestionVoice QuestionType = "Voice"
)

// EvalMode says whether an answer is auto-scored or left for human review.
type EvalMode string

const (
	EvalAuto   EvalMode = "Auto"
	EvalManual EvalMode = "Manual"
)

// Difficulty is normalized to a closed set when questions are generated.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Question is immutable once generated or loaded; it is owned by the job
// collaborator and read-only to the interview engine.
type Question struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Type           QuestionType `json:"type"`
	Weight         int          `json:"weight"`
	EvalMode       EvalMode     `json:"evalMode"`
	Difficulty     Difficulty   `json:"difficulty,omitempty"`
	ExpectedAnswer string       `json:"expectedAnswer,omitempty"`
	Options        []string     `json:"options,omitempty"`
}

// InterviewContext is supplied to each interviewer turn. CurrentQuestionIndex
// advances by exactly one per completed user turn, clamped at len(Questions)-1.
type InterviewContext struct {
	JobTitle             string     `json:"jobTitle,omitempty"`
	JobDescription       string     `json:"jobDescription,omitempty"`
	Questions            []Question `json:"questions"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
	Round                Round      `json:"round"`
}

// Evaluation is produced once per answered question and never retried; a
// failed evaluation yields a zero-score fallback instead.
type Evaluation struct {
	Accuracy        int    `json:"accuracy"`
	CorrectedAnswer string `json:"correctedAnswer"`
	AnswerAnalysis  string `json:"answerAnalysis"`
}

// Job is the external job posting the interview is scoped to.
type Job struct {
	ID          string   `json:"id"`
	CompanyID   string   `json:"companyId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Skills      []string `json:"skills,omitempty"`
}

// SessionStatus is the terminal classification of a job interview session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "InProgress"
	StatusCompleted  SessionStatus = "Completed"
	StatusAbandoned  SessionStatus = "Abandoned"
)

// Outcome classifies a completed session by aggregated score.
type Outcome string

const (
	OutcomePassed  Outcome = "Passed"
	OutcomePending Outcome = "Pending"
	OutcomeFailed  Outcome = "Failed"
)

// AnsweredQuestion is one question's result inside a session record.
type AnsweredQuestion struct {
	QuestionID     string     `json:"questionId"`
	Answer         string     `json:"answer"`
	Evaluation     Evaluation `json:"evaluation"`
	ElapsedSeconds int        `json:"elapsedSeconds"`
	RecordingURL   string     `json:"recordingUrl,omitempty"`
}

// InterviewSession is the persisted record of a job-specific interview.
type InterviewSession struct {
	ID         string             `json:"id"`
	JobID      string             `json:"jobId"`
	Status     SessionStatus      `json:"status"`
	Outcome    Outcome            `json:"outcome,omitempty"`
	Answers    []AnsweredQuestion `json:"answers"`
	TotalScore int                `json:"totalScore"`
	Remarks    string             `json:"remarks,omitempty"`
	Violations int                `json:"violations"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt,omitempty"`
}

// Interview is the persisted record of a mock (non-job) interview.
type Interview struct {
	ID        string    `json:"id"`
	Round     Round     `json:"round"`
	Report    string    `json:"report,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}
