// Package interview drives a live AI interview: device acquisition, the
// question/answer turn cycle against the LLM, proctoring violations, and
// final scoring. The Session state machine is the single source of truth;
// transports only project it.
package interview

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexhire/interview-agent/internal/models"
	"github.com/nexhire/interview-agent/internal/stream"
)

// State is the session lifecycle position.
type State int

const (
	StateNotStarted State = iota
	StateAwaitingPermissions
	StatePhotoConfirmed
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateAwaitingPermissions:
		return "AwaitingPermissions"
	case StatePhotoConfirmed:
		return "PhotoConfirmed"
	case StateActive:
		return "Active"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Phase alternates inside StateActive.
type Phase int

const (
	PhaseAIResponding Phase = iota
	PhaseAwaitingUser
)

// Agent is the slice of the LLM layer the session drives.
type Agent interface {
	ConductInterview(ctx context.Context, transcript []models.Turn, ictx models.InterviewContext) (io.ReadCloser, error)
	EvaluateAnswer(ctx context.Context, question, expected, answer string) models.Evaluation
	GenerateRemarks(ctx context.Context, jobTitle string, answered, total, average int) (string, error)
	GeneratePerformanceReport(ctx context.Context, transcript []models.Turn) (string, error)
}

// SpeechIO is the slice of the speech bridge the session drives. Answers come
// back through HandleAnswer, wired as the bridge's answer callback.
type SpeechIO interface {
	Speak(ctx context.Context, text string) error
	StartListening() error
	StopListening()
	Stop()
}

// TranscriptSink mirrors the conversation to an observer: interviewer text
// as it streams in, then each committed turn from either side.
type TranscriptSink interface {
	Delta(text string)
	Turn(role models.Role, content string)
}

// SessionStore persists interview outcomes.
type SessionStore interface {
	AddInterviewSession(models.InterviewSession) models.InterviewSession
	UpdateInterviewSession(models.InterviewSession) error
	AddInterview(models.Interview) models.Interview
	UpdateInterview(models.Interview) error
}

const (
	greetingMessage = "Hello! I am ready to begin the interview."
	thankYouMessage = "Thank you for your time. This concludes the interview. We will get back to you with the results soon."

	defaultEndingDelay = 2 * time.Second

	passThreshold    = 70
	pendingThreshold = 50
)

// Config wires a Session. Agent, Speech and Store are required; the media
// capabilities may be nil, which runs the session degraded (no video, no
// fullscreen, no recordings).
type Config struct {
	Agent    Agent
	Speech   SpeechIO
	Store    SessionStore
	Media    MediaDevices
	Recorder RecorderFactory
	Uploader RecordingUploader
	Screen   Fullscreen
	Notifier Notifier

	// Transcript, when set, receives streaming interviewer deltas and the
	// committed turns for live display.
	Transcript TranscriptSink

	Log logrus.FieldLogger

	// Job is nil for mock interviews; mock sessions persist an Interview
	// record with a performance report instead of a scored session.
	Job       *models.Job
	Questions []models.Question
	Round     models.Round

	// EndingDelay is how long the farewell is allowed to land before
	// teardown. Zero means the default.
	EndingDelay time.Duration
}

// Session is one live interview. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg Config
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	violations *ViolationCounter

	mu            sync.Mutex
	state         State
	phase         Phase
	media         MediaSession
	recorder      Recorder
	recorderIdx   int
	transcript    []models.Turn
	answers       []models.AnsweredQuestion
	questionIndex int
	startedAt     time.Time
	questionAt    time.Time
	turnPending   bool
	record        models.InterviewSession
	mock          models.Interview
	tornDown      bool
}

func NewSession(cfg Config) *Session {
	if cfg.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Log = l
	}
	if cfg.EndingDelay == 0 {
		cfg.EndingDelay = defaultEndingDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		log:        cfg.Log,
		ctx:        ctx,
		cancel:     cancel,
		violations: NewViolationCounter(),
		state:      StateNotStarted,
	}
}

// State returns the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Phase returns the turn position while Active.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Answers returns a copy of the per-question results so far.
func (s *Session) Answers() []models.AnsweredQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AnsweredQuestion(nil), s.answers...)
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.transcript...)
}

// Record returns the persisted job session record (zero for mock sessions).
func (s *Session) Record() models.InterviewSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Start moves NotStarted to AwaitingPermissions and acquires camera+mic.
// Device failures are classified, surfaced as guidance, and leave the
// session able to proceed degraded.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return fmt.Errorf("interview: cannot start from %s", s.state)
	}
	s.state = StateAwaitingPermissions
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.cfg.Media == nil {
		return nil
	}
	media, err := s.cfg.Media.Acquire(ctx)
	if err != nil {
		failure := ClassifyDeviceError(err)
		s.notify(failure.Message())
		s.log.WithError(err).WithField("class", failure.Message()).Warn("interview: media acquisition failed, continuing degraded")
		return nil
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()
	return nil
}

// ConfirmPhoto acknowledges the identity photo step.
func (s *Session) ConfirmPhoto() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingPermissions {
		return fmt.Errorf("interview: cannot confirm photo from %s", s.state)
	}
	s.state = StatePhotoConfirmed
	return nil
}

// Begin activates the session: fullscreen, first recorder, and the opening
// AI turn seeded with a synthetic greeting. It blocks until the first
// question has been spoken.
func (s *Session) Begin() error {
	s.mu.Lock()
	if s.state != StatePhotoConfirmed {
		s.mu.Unlock()
		return fmt.Errorf("interview: cannot begin from %s", s.state)
	}
	if len(s.cfg.Questions) == 0 {
		s.state = StateEnded
		s.mu.Unlock()
		return fmt.Errorf("interview: no questions configured")
	}
	s.state = StateActive
	s.phase = PhaseAIResponding
	s.transcript = append(s.transcript, models.Turn{Role: models.RoleUser, Content: greetingMessage})
	s.mu.Unlock()

	if s.cfg.Screen != nil {
		if err := s.cfg.Screen.Enter(); err != nil {
			s.log.WithError(err).Debug("interview: fullscreen unavailable, continuing")
		}
	}

	s.mu.Lock()
	if s.cfg.Job != nil {
		s.record = s.cfg.Store.AddInterviewSession(models.InterviewSession{
			JobID:     s.cfg.Job.ID,
			Status:    models.StatusInProgress,
			StartedAt: s.startedAt,
		})
	} else {
		s.mock = s.cfg.Store.AddInterview(models.Interview{
			Round:     s.cfg.Round,
			Status:    string(models.StatusInProgress),
			StartedAt: s.startedAt,
		})
	}
	s.mu.Unlock()

	s.startRecorder(0)
	return s.aiTurn()
}

// HandleAnswer processes one finalized user utterance. It is the speech
// bridge's answer callback. A turn already in flight or a non-active session
// drops the answer.
func (s *Session) HandleAnswer(text string) {
	s.mu.Lock()
	if s.state != StateActive || s.phase != PhaseAwaitingUser {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseAIResponding
	idx := s.questionIndex
	elapsed := int(time.Since(s.questionAt).Seconds())
	retry := s.turnPending
	s.mu.Unlock()

	s.cfg.Speech.StopListening()

	// A failed AI turn leaves the previous answer recorded; the candidate
	// speaking again retries the turn instead of answering twice.
	if retry {
		if err := s.aiTurn(); err != nil {
			s.log.WithError(err).Warn("interview: turn retry failed, session stays active")
		}
		return
	}

	recordingURL := s.finalizeRecorder()

	question := s.cfg.Questions[idx]
	// Mock interviews are judged by the final performance report; scoring
	// each answer would only burn model calls.
	var eval models.Evaluation
	if s.cfg.Job != nil {
		eval = s.cfg.Agent.EvaluateAnswer(s.ctx, question.Text, question.ExpectedAnswer, text)
	}

	s.mu.Lock()
	s.answers = append(s.answers, models.AnsweredQuestion{
		QuestionID:     question.ID,
		Answer:         text,
		Evaluation:     eval,
		ElapsedSeconds: elapsed,
		RecordingURL:   recordingURL,
	})
	s.transcript = append(s.transcript, models.Turn{Role: models.RoleUser, Content: text})
	answered := len(s.answers)
	total := len(s.cfg.Questions)
	if answered < total && s.questionIndex < total-1 {
		s.questionIndex++
	}
	next := s.questionIndex
	s.mu.Unlock()

	s.emitTurn(models.RoleUser, text)
	s.log.WithFields(logrus.Fields{
		"question": question.ID,
		"score":    eval.Accuracy,
		"answered": answered,
		"total":    total,
	}).Info("interview: answer evaluated")

	if answered >= total {
		s.End()
		return
	}
	s.startRecorder(next)
	if err := s.aiTurn(); err != nil {
		s.log.WithError(err).Warn("interview: turn failed, session stays active")
	}
}

// aiTurn asks the model for the next interviewer utterance, decodes the
// stream, speaks the cleaned text, and opens the floor to the candidate. Any
// failure notifies, reopens listening, and leaves the session Active.
func (s *Session) aiTurn() error {
	s.mu.Lock()
	transcript := append([]models.Turn(nil), s.transcript...)
	ictx := models.InterviewContext{
		Questions:            s.cfg.Questions,
		CurrentQuestionIndex: s.questionIndex,
		Round:                s.cfg.Round,
	}
	if s.cfg.Job != nil {
		ictx.JobTitle = s.cfg.Job.Title
		ictx.JobDescription = s.cfg.Job.Description
	}
	s.mu.Unlock()

	text, err := s.nextUtterance(transcript, ictx)
	if err != nil {
		s.mu.Lock()
		s.turnPending = true
		s.mu.Unlock()
		s.notify("Connection hiccup. Please repeat your answer.")
		s.reopenFloor()
		return err
	}

	if err := s.cfg.Speech.Speak(s.ctx, text); err != nil {
		s.log.WithError(err).Warn("interview: synthesis failed")
	}

	s.mu.Lock()
	s.turnPending = false
	s.transcript = append(s.transcript, models.Turn{Role: models.RoleAssistant, Content: text})
	s.mu.Unlock()
	s.emitTurn(models.RoleAssistant, text)
	s.reopenFloor()
	return nil
}

func (s *Session) nextUtterance(transcript []models.Turn, ictx models.InterviewContext) (string, error) {
	body, err := s.cfg.Agent.ConductInterview(s.ctx, transcript, ictx)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dec := stream.NewDecoder(body, s.log)
	if s.cfg.Transcript != nil {
		dec.OnDelta = s.cfg.Transcript.Delta
	}
	text, err := dec.Run()
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("interview: empty interviewer response")
	}
	return text, nil
}

func (s *Session) reopenFloor() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseAwaitingUser
	s.questionAt = time.Now()
	s.mu.Unlock()
	if err := s.cfg.Speech.StartListening(); err != nil {
		s.log.WithError(err).Warn("interview: could not reopen recognition")
	}
}

// ReportViolation registers one proctoring event from the control channel.
// Counts 1 to 3 warn; the fourth ends the session the same way a manual end
// would.
func (s *Session) ReportViolation(kind string) {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return
	}
	count, counted, terminal := s.violations.Record()
	if !counted {
		return
	}
	s.log.WithFields(logrus.Fields{"kind": kind, "count": count}).Warn("interview: violation recorded")
	if terminal {
		s.notify("Too many violations. The interview is being ended.")
		s.End()
		return
	}
	s.notify(fmt.Sprintf("Warning %d of %d: %s is not allowed during the interview.", count, violationTerminalCount-1, kind))
}

// End finishes the session: farewell, teardown, scoring, persistence. Safe
// to call more than once; later calls are no-ops.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	began := s.state == StateActive
	s.state = StateEnding
	s.mu.Unlock()

	s.cfg.Speech.StopListening()
	if began {
		if err := s.cfg.Speech.Speak(s.ctx, thankYouMessage); err != nil {
			s.log.WithError(err).Debug("interview: farewell synthesis failed")
		}
		time.Sleep(s.cfg.EndingDelay)
	}
	s.finalizeRecorder()
	s.Teardown()

	if began {
		if s.cfg.Job != nil {
			s.persistJobSession()
		} else {
			s.persistMockSession()
		}
	}

	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	s.log.Info("interview: session ended")
}

func (s *Session) persistJobSession() {
	// Teardown already canceled the session context; scoring gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	answers := append([]models.AnsweredQuestion(nil), s.answers...)
	record := s.record
	s.mu.Unlock()

	total := len(s.cfg.Questions)
	average := 0
	if len(answers) > 0 {
		sum := 0
		for _, a := range answers {
			sum += a.Evaluation.Accuracy
		}
		average = sum / len(answers)
	}

	outcome := models.OutcomeFailed
	switch {
	case average >= passThreshold:
		outcome = models.OutcomePassed
	case average >= pendingThreshold:
		outcome = models.OutcomePending
	}

	remarks, err := s.cfg.Agent.GenerateRemarks(ctx, s.cfg.Job.Title, len(answers), total, average)
	if err != nil || strings.TrimSpace(remarks) == "" {
		remarks = fmt.Sprintf("Answered %d of %d questions with an average score of %d.", len(answers), total, average)
	}

	record.Status = models.StatusCompleted
	record.Outcome = outcome
	record.Answers = answers
	record.TotalScore = average
	record.Remarks = remarks
	record.Violations = s.violations.Count()
	record.EndedAt = time.Now()
	if err := s.cfg.Store.UpdateInterviewSession(record); err != nil {
		s.log.WithError(err).Error("interview: could not persist session")
	}
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
}

func (s *Session) persistMockSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	transcript := append([]models.Turn(nil), s.transcript...)
	mock := s.mock
	s.mu.Unlock()

	report, err := s.cfg.Agent.GeneratePerformanceReport(ctx, transcript)
	if err != nil || strings.TrimSpace(report) == "" {
		report = "Performance report unavailable."
	}
	mock.Status = string(models.StatusCompleted)
	mock.Report = report
	mock.EndedAt = time.Now()
	if err := s.cfg.Store.UpdateInterview(mock); err != nil {
		s.log.WithError(err).Error("interview: could not persist mock interview")
	}
	s.mu.Lock()
	s.mock = mock
	s.mu.Unlock()
}

// Teardown releases every held resource. Idempotent; End calls it, and
// transports may call it again on disconnect.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	media := s.media
	s.media = nil
	recorder := s.recorder
	s.recorder = nil
	s.questionAt = time.Time{}
	s.mu.Unlock()

	s.cancel()
	s.cfg.Speech.Stop()
	if recorder != nil {
		_, _ = recorder.Stop()
	}
	if media != nil {
		media.Release()
	}
	if s.cfg.Screen != nil {
		s.cfg.Screen.Exit()
	}
}

// startRecorder opens the recorder for a question, finalizing any previous
// one first. At most one recorder runs per session.
func (s *Session) startRecorder(questionIndex int) {
	if s.cfg.Recorder == nil || s.cfg.Job == nil {
		return
	}
	s.finalizeRecorder()
	rec, err := s.cfg.Recorder.Start(questionIndex)
	if err != nil {
		s.log.WithError(err).WithField("question", questionIndex).Warn("interview: recorder start failed")
		return
	}
	s.mu.Lock()
	s.recorder = rec
	s.recorderIdx = questionIndex
	s.mu.Unlock()
}

// finalizeRecorder stops the active recorder, uploads its segment, and
// returns the recording URL (empty on any failure).
func (s *Session) finalizeRecorder() string {
	s.mu.Lock()
	rec := s.recorder
	idx := s.recorderIdx
	s.recorder = nil
	sessionID := s.record.ID
	s.mu.Unlock()
	if rec == nil {
		return ""
	}

	data, err := rec.Stop()
	if err != nil {
		s.log.WithError(err).Warn("interview: recorder stop failed")
		return ""
	}
	if s.cfg.Uploader == nil || len(data) == 0 {
		return ""
	}
	name := fmt.Sprintf("%s/question-%d.webm", sessionID, idx)
	url, err := s.cfg.Uploader.UploadRecording(s.ctx, name, data)
	if err != nil {
		s.log.WithError(err).Warn("interview: recording upload failed")
		return ""
	}
	return url
}

func (s *Session) notify(text string) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(text)
	}
}

func (s *Session) emitTurn(role models.Role, content string) {
	if s.cfg.Transcript != nil {
		s.cfg.Transcript.Turn(role, content)
	}
}
