package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexhire/interview-agent/internal/models"
	"github.com/nexhire/interview-agent/internal/store"
)

// sseBody frames text the way the conduct endpoint streams it.
func sseBody(text string) io.ReadCloser {
	payload, _ := json.Marshal(map[string]string{"content": text})
	body := fmt.Sprintf("data: %s\n\ndata: [DONE]\n\n", payload)
	return io.NopCloser(strings.NewReader(body))
}

type fakeAgent struct {
	mu         sync.Mutex
	utterances []string
	scores     []int
	conducted  []models.InterviewContext
	evaluated  []string
	conductErr map[int]error
	remarks    string
	remarksErr error
	report     string
	reportErr  error
}

func (f *fakeAgent) ConductInterview(_ context.Context, _ []models.Turn, ictx models.InterviewContext) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.conducted)
	f.conducted = append(f.conducted, ictx)
	if err, ok := f.conductErr[call]; ok {
		return nil, err
	}
	if call < len(f.utterances) {
		return sseBody(f.utterances[call]), nil
	}
	return sseBody("Could you elaborate?"), nil
}

func (f *fakeAgent) EvaluateAnswer(_ context.Context, _, _, answer string) models.Evaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	score := 0
	if len(f.evaluated) < len(f.scores) {
		score = f.scores[len(f.evaluated)]
	}
	f.evaluated = append(f.evaluated, answer)
	return models.Evaluation{Accuracy: score, CorrectedAnswer: "ref", AnswerAnalysis: "ok"}
}

func (f *fakeAgent) GenerateRemarks(_ context.Context, _ string, _, _, _ int) (string, error) {
	return f.remarks, f.remarksErr
}

func (f *fakeAgent) GeneratePerformanceReport(_ context.Context, _ []models.Turn) (string, error) {
	return f.report, f.reportErr
}

func (f *fakeAgent) conductedContexts() []models.InterviewContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InterviewContext(nil), f.conducted...)
}

func (f *fakeAgent) evaluatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evaluated)
}

type fakeTranscript struct {
	mu     sync.Mutex
	deltas []string
	turns  []models.Turn
}

func (f *fakeTranscript) Delta(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, text)
}

func (f *fakeTranscript) Turn(role models.Role, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, models.Turn{Role: role, Content: content})
}

func (f *fakeTranscript) snapshot() ([]string, []models.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deltas...), append([]models.Turn(nil), f.turns...)
}

type fakeSpeech struct {
	mu        sync.Mutex
	spoken    []string
	listening bool
	stops     int
}

func (f *fakeSpeech) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeSpeech) StartListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = true
	return nil
}

func (f *fakeSpeech) StopListening() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
}

func (f *fakeSpeech) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.stops++
}

func (f *fakeSpeech) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeMedia struct {
	err      error
	released int
}

func (f *fakeMedia) Acquire(context.Context) (MediaSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f, nil
}

func (f *fakeMedia) Release() { f.released++ }

type fakeRecorder struct {
	index   int
	stopped bool
	parent  *fakeRecorderFactory
}

func (r *fakeRecorder) Stop() ([]byte, error) {
	r.stopped = true
	r.parent.mu.Lock()
	r.parent.active--
	r.parent.mu.Unlock()
	return []byte(fmt.Sprintf("segment-%d", r.index)), nil
}

type fakeRecorderFactory struct {
	mu        sync.Mutex
	active    int
	maxActive int
	started   []int
}

func (f *fakeRecorderFactory) Start(questionIndex int) (Recorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.started = append(f.started, questionIndex)
	return &fakeRecorder{index: questionIndex, parent: f}, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeUploader) UploadRecording(_ context.Context, name string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return "https://recordings.test/" + name, nil
}

type fakeScreen struct {
	entered int
	exited  int
	err     error
}

func (f *fakeScreen) Enter() error { f.entered++; return f.err }
func (f *fakeScreen) Exit()        { f.exited++ }

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func threeQuestions() []models.Question {
	return []models.Question{
		{ID: "q1", Text: "What is a goroutine?", ExpectedAnswer: "A lightweight thread.", Weight: 5},
		{ID: "q2", Text: "Explain channels.", ExpectedAnswer: "Typed conduits.", Weight: 5},
		{ID: "q3", Text: "What does select do?", ExpectedAnswer: "Waits on channel ops.", Weight: 5},
	}
}

type fixture struct {
	session  *Session
	agent    *fakeAgent
	speech   *fakeSpeech
	store    *store.Store
	media    *fakeMedia
	recorder *fakeRecorderFactory
	uploader *fakeUploader
	screen   *fakeScreen
	notifier *fakeNotifier
	job      models.Job
}

func newJobFixture(t *testing.T, agent *fakeAgent) *fixture {
	t.Helper()
	f := &fixture{
		agent:    agent,
		speech:   &fakeSpeech{},
		store:    store.New(),
		media:    &fakeMedia{},
		recorder: &fakeRecorderFactory{},
		uploader: &fakeUploader{},
		screen:   &fakeScreen{},
		notifier: &fakeNotifier{},
		job:      models.Job{ID: "job-1", Title: "Backend Engineer", Description: "Go services."},
	}
	f.store.SeedJob(f.job, threeQuestions())
	f.session = NewSession(Config{
		Agent:       agent,
		Speech:      f.speech,
		Store:       f.store,
		Media:       f.media,
		Recorder:    f.recorder,
		Uploader:    f.uploader,
		Screen:      f.screen,
		Notifier:    f.notifier,
		Job:         &f.job,
		Questions:   threeQuestions(),
		Round:       models.RoundTechnical,
		EndingDelay: time.Millisecond,
	})
	return f
}

func (f *fixture) startToActive(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.session.ConfirmPhoto(); err != nil {
		t.Fatalf("confirm photo: %v", err)
	}
	if err := f.session.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
}

func TestSession_EndToEndJobInterview(t *testing.T) {
	agent := &fakeAgent{
		utterances: []string{
			"Welcome! First question: what is a goroutine?",
			"Thanks. Next: explain channels.",
			"Great. Finally: what does select do?",
		},
		scores:  []int{80, 70, 90},
		remarks: "Strong grasp of Go fundamentals.",
	}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	if got := f.session.State(); got != StateActive {
		t.Fatalf("expected Active, got %s", got)
	}

	f.session.HandleAnswer("A goroutine is a lightweight thread managed by the runtime.")
	f.session.HandleAnswer("Channels are typed conduits for communication.")
	f.session.HandleAnswer("Select waits on multiple channel operations.")

	if got := f.session.State(); got != StateEnded {
		t.Fatalf("expected Ended, got %s", got)
	}

	answers := f.session.Answers()
	if len(answers) != 3 {
		t.Fatalf("expected 3 evaluated answers, got %d", len(answers))
	}
	for i, a := range answers {
		if a.Evaluation.AnswerAnalysis == "" {
			t.Fatalf("answer %d missing evaluation", i)
		}
		if !strings.Contains(a.RecordingURL, fmt.Sprintf("question-%d.webm", i)) {
			t.Fatalf("answer %d missing recording url, got %q", i, a.RecordingURL)
		}
	}

	record, err := f.store.GetInterviewSessionByID(f.session.Record().ID)
	if err != nil {
		t.Fatalf("persisted record: %v", err)
	}
	if record.Status != models.StatusCompleted {
		t.Fatalf("expected Completed, got %s", record.Status)
	}
	if record.TotalScore != 80 {
		t.Fatalf("expected average 80, got %d", record.TotalScore)
	}
	if record.Outcome != models.OutcomePassed {
		t.Fatalf("expected Passed, got %s", record.Outcome)
	}
	if record.Remarks != "Strong grasp of Go fundamentals." {
		t.Fatalf("unexpected remarks %q", record.Remarks)
	}
	if record.EndedAt.IsZero() {
		t.Fatal("EndedAt not set")
	}

	spoken := f.speech.spokenTexts()
	if len(spoken) != 4 || spoken[3] != thankYouMessage {
		t.Fatalf("expected 3 questions plus farewell, got %q", spoken)
	}
	if f.media.released == 0 {
		t.Fatal("media never released")
	}
	if f.screen.entered != 1 || f.screen.exited != 1 {
		t.Fatalf("fullscreen enter/exit = %d/%d", f.screen.entered, f.screen.exited)
	}
}

func TestSession_QuestionCounterNeverExceedsTotal(t *testing.T) {
	agent := &fakeAgent{scores: []int{60, 60, 60}}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.HandleAnswer("first detailed answer")
	f.session.HandleAnswer("second detailed answer")
	f.session.HandleAnswer("third detailed answer")
	// A stray late answer after Ended must be dropped.
	f.session.HandleAnswer("one answer too many")

	if len(f.session.Answers()) != 3 {
		t.Fatalf("expected exactly 3 answers, got %d", len(f.session.Answers()))
	}
	contexts := agent.conductedContexts()
	if len(contexts) != 3 {
		t.Fatalf("expected 3 AI turns, got %d", len(contexts))
	}
	for i, c := range contexts {
		if c.CurrentQuestionIndex != i {
			t.Fatalf("turn %d asked index %d", i, c.CurrentQuestionIndex)
		}
		if c.CurrentQuestionIndex >= len(threeQuestions()) {
			t.Fatalf("question index %d exceeds total", c.CurrentQuestionIndex)
		}
	}
}

func TestSession_RecorderSingleActiveAndOrdered(t *testing.T) {
	agent := &fakeAgent{scores: []int{50, 50, 50}}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.HandleAnswer("answer number one here")
	f.session.HandleAnswer("answer number two here")
	f.session.HandleAnswer("answer number three here")

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if f.recorder.maxActive != 1 {
		t.Fatalf("expected at most one active recorder, saw %d", f.recorder.maxActive)
	}
	want := []int{0, 1, 2}
	if len(f.recorder.started) != len(want) {
		t.Fatalf("recorder starts = %v", f.recorder.started)
	}
	for i, idx := range want {
		if f.recorder.started[i] != idx {
			t.Fatalf("recorder starts = %v, want %v", f.recorder.started, want)
		}
	}
}

func TestSession_TurnFailureLeavesSessionActive(t *testing.T) {
	agent := &fakeAgent{
		utterances: []string{"First question?", "", "Second question, take two?"},
		scores:     []int{40},
		conductErr: map[int]error{1: errors.New("upstream down")},
	}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.HandleAnswer("my first answer to the question")

	if got := f.session.State(); got != StateActive {
		t.Fatalf("expected Active after failed turn, got %s", got)
	}
	if got := f.session.Phase(); got != PhaseAwaitingUser {
		t.Fatalf("expected floor reopened, got phase %d", got)
	}
	found := false
	for _, m := range f.notifier.messages() {
		if strings.Contains(m, "hiccup") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a retry notification, got %v", f.notifier.messages())
	}

	// Speaking again retries the AI turn without recording a second answer.
	f.session.HandleAnswer("my first answer to the question")
	if n := len(f.session.Answers()); n != 1 {
		t.Fatalf("retry must not duplicate answers, got %d", n)
	}
	spoken := f.speech.spokenTexts()
	if spoken[len(spoken)-1] != "Second question, take two?" {
		t.Fatalf("expected retried question spoken, got %q", spoken)
	}
}

func TestSession_ViolationEscalationForcesEnd(t *testing.T) {
	agent := &fakeAgent{remarks: "n/a"}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.violations.Window = time.Millisecond
	for i := 0; i < 4; i++ {
		time.Sleep(2 * time.Millisecond)
		f.session.ReportViolation("tab switch")
	}

	if got := f.session.State(); got != StateEnded {
		t.Fatalf("expected forced end, got %s", got)
	}
	if got := f.session.violations.Count(); got != 4 {
		t.Fatalf("expected 4 counted violations, got %d", got)
	}
	record, err := f.store.GetInterviewSessionByID(f.session.Record().ID)
	if err != nil {
		t.Fatalf("persisted record: %v", err)
	}
	if record.Violations != 4 {
		t.Fatalf("expected violations persisted, got %d", record.Violations)
	}
	if record.Status != models.StatusCompleted {
		t.Fatalf("forced end must score and complete, got %s", record.Status)
	}

	warnings := 0
	for _, m := range f.notifier.messages() {
		if strings.HasPrefix(m, "Warning") {
			warnings++
		}
	}
	if warnings != 3 {
		t.Fatalf("expected 3 warnings before forced end, got %d: %v", warnings, f.notifier.messages())
	}
}

func TestSession_ViolationBurstCountsOnce(t *testing.T) {
	agent := &fakeAgent{}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	for i := 0; i < 5; i++ {
		f.session.ReportViolation("copy attempt")
	}
	if got := f.session.violations.Count(); got != 1 {
		t.Fatalf("expected burst collapsed to 1, got %d", got)
	}
	if got := f.session.State(); got != StateActive {
		t.Fatalf("session must stay Active, got %s", got)
	}
}

func TestSession_RemarksFallbackOnGenerationFailure(t *testing.T) {
	agent := &fakeAgent{
		scores:     []int{60, 60, 60},
		remarksErr: errors.New("model unavailable"),
	}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.HandleAnswer("answer one in full sentences")
	f.session.HandleAnswer("answer two in full sentences")
	f.session.HandleAnswer("answer three in full sentences")

	record, _ := f.store.GetInterviewSessionByID(f.session.Record().ID)
	want := "Answered 3 of 3 questions with an average score of 60."
	if record.Remarks != want {
		t.Fatalf("remarks = %q, want %q", record.Remarks, want)
	}
	if record.Outcome != models.OutcomePending {
		t.Fatalf("expected Pending at 60, got %s", record.Outcome)
	}
}

func TestSession_MockInterviewPersistsReport(t *testing.T) {
	agent := &fakeAgent{
		utterances: []string{"Tell me about yourself.", "What motivates you?"},
		report:     "Confident and structured answers throughout.",
	}
	st := store.New()
	sess := NewSession(Config{
		Agent:  agent,
		Speech: &fakeSpeech{},
		Store:  st,
		Questions: []models.Question{
			{ID: "m1", Text: "Tell me about yourself."},
			{ID: "m2", Text: "What motivates you?"},
		},
		Round:       models.RoundHR,
		EndingDelay: time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.ConfirmPhoto(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	sess.HandleAnswer("I am a backend engineer with five years of Go.")
	sess.HandleAnswer("Solving hard distributed-systems problems.")

	if got := sess.State(); got != StateEnded {
		t.Fatalf("expected Ended, got %s", got)
	}
	all := st.GetInterviews()
	if len(all) != 1 {
		t.Fatalf("expected one interview record, got %d", len(all))
	}
	if all[0].Report != "Confident and structured answers throughout." {
		t.Fatalf("unexpected report %q", all[0].Report)
	}
	if all[0].Status != string(models.StatusCompleted) {
		t.Fatalf("unexpected status %q", all[0].Status)
	}
}

func TestSession_TranscriptMirrorsDeltasAndTurns(t *testing.T) {
	agent := &fakeAgent{
		utterances: []string{"What is a goroutine?", "Explain channels."},
		scores:     []int{80, 90},
		remarks:    "Solid answers.",
	}
	sink := &fakeTranscript{}
	job := models.Job{ID: "job-1", Title: "Backend Engineer"}
	sess := NewSession(Config{
		Agent:       agent,
		Speech:      &fakeSpeech{},
		Store:       store.New(),
		Transcript:  sink,
		Job:         &job,
		Questions:   threeQuestions()[:2],
		Round:       models.RoundTechnical,
		EndingDelay: time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.ConfirmPhoto(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	sess.HandleAnswer("A lightweight thread managed by the runtime.")

	deltas, turns := sink.snapshot()
	if len(deltas) < 2 {
		t.Fatalf("expected streaming deltas for both turns, got %v", deltas)
	}
	if deltas[0] != "What is a goroutine?" {
		t.Fatalf("unexpected first delta %q", deltas[0])
	}
	want := []models.Turn{
		{Role: models.RoleAssistant, Content: "What is a goroutine?"},
		{Role: models.RoleUser, Content: "A lightweight thread managed by the runtime."},
		{Role: models.RoleAssistant, Content: "Explain channels."},
	}
	if len(turns) != len(want) {
		t.Fatalf("turns = %v, want %v", turns, want)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Fatalf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestSession_MockInterviewSkipsAnswerEvaluation(t *testing.T) {
	agent := &fakeAgent{
		utterances: []string{"Tell me about yourself.", "What motivates you?"},
		report:     "Structured answers.",
	}
	sess := NewSession(Config{
		Agent:  agent,
		Speech: &fakeSpeech{},
		Store:  store.New(),
		Questions: []models.Question{
			{ID: "m1", Text: "Tell me about yourself."},
			{ID: "m2", Text: "What motivates you?"},
		},
		Round:       models.RoundHR,
		EndingDelay: time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.ConfirmPhoto(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := sess.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	sess.HandleAnswer("I am a backend engineer.")
	sess.HandleAnswer("Hard problems.")

	if got := sess.State(); got != StateEnded {
		t.Fatalf("expected Ended, got %s", got)
	}
	if n := agent.evaluatedCount(); n != 0 {
		t.Fatalf("mock interview evaluated %d answers, want 0", n)
	}
}

func TestSession_DeviceFailureIsNonFatal(t *testing.T) {
	agent := &fakeAgent{utterances: []string{"First question?"}}
	f := newJobFixture(t, agent)
	f.media.err = errors.New("NotAllowedError: permission denied by user")

	f.startToActive(t)

	if got := f.session.State(); got != StateActive {
		t.Fatalf("device failure must not block the session, got %s", got)
	}
	msgs := f.notifier.messages()
	if len(msgs) == 0 || !strings.Contains(msgs[0], "denied") {
		t.Fatalf("expected permission guidance, got %v", msgs)
	}
}

func TestClassifyDeviceError(t *testing.T) {
	cases := []struct {
		err  string
		want DeviceFailure
	}{
		{"NotAllowedError: denied", FailurePermissionDenied},
		{"getUserMedia: permission denied", FailurePermissionDenied},
		{"NotFoundError", FailureNoDevice},
		{"DevicesNotFoundError", FailureNoDevice},
		{"NotReadableError: hardware", FailureDeviceBusy},
		{"device is in use", FailureDeviceBusy},
		{"TrackStartError", FailureDeviceBusy},
		{"something exploded", FailureUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyDeviceError(errors.New(tc.err)); got != tc.want {
			t.Fatalf("%q classified %d, want %d", tc.err, got, tc.want)
		}
	}
	if got := ClassifyDeviceError(nil); got != FailureUnknown {
		t.Fatalf("nil error classified %d", got)
	}
}

func TestSession_EndAndTeardownIdempotent(t *testing.T) {
	agent := &fakeAgent{scores: []int{70, 70, 70}, remarks: "fine"}
	f := newJobFixture(t, agent)
	f.startToActive(t)

	f.session.End()
	f.session.End()
	f.session.Teardown()

	if got := f.session.State(); got != StateEnded {
		t.Fatalf("expected Ended, got %s", got)
	}
	if f.media.released != 1 {
		t.Fatalf("media released %d times", f.media.released)
	}
	if f.screen.exited != 1 {
		t.Fatalf("fullscreen exited %d times", f.screen.exited)
	}
}

func TestSession_TransitionGuards(t *testing.T) {
	agent := &fakeAgent{}
	f := newJobFixture(t, agent)

	if err := f.session.ConfirmPhoto(); err == nil {
		t.Fatal("photo confirm before start must fail")
	}
	if err := f.session.Begin(); err == nil {
		t.Fatal("begin before photo confirm must fail")
	}
	f.session.HandleAnswer("an answer before the session is live")
	if len(f.session.Answers()) != 0 {
		t.Fatal("answer accepted before Active")
	}

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.session.Start(context.Background()); err == nil {
		t.Fatal("double start must fail")
	}
}
