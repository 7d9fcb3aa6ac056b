package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexhire/interview-agent/internal/config"
	"github.com/nexhire/interview-agent/internal/httpserver"
	"github.com/nexhire/interview-agent/internal/interview"
	"github.com/nexhire/interview-agent/internal/keypool"
	"github.com/nexhire/interview-agent/internal/llm"
	"github.com/nexhire/interview-agent/internal/logger"
	"github.com/nexhire/interview-agent/internal/models"
	"github.com/nexhire/interview-agent/internal/rtc"
	"github.com/nexhire/interview-agent/internal/speech"
	"github.com/nexhire/interview-agent/internal/storage"
	"github.com/nexhire/interview-agent/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New()

	pool := keypool.New(config.Credentials())
	client := llm.NewClient(cfg.LLMEndpoint, cfg.LLMModel, pool, log)
	st := store.New()

	var uploader interview.RecordingUploader
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		rec, err := storage.New(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.WithError(err).Warn("recording uploads disabled")
		} else {
			uploader = rec
		}
	}

	job, questions := bootstrapJob(client, st, log)

	app := &application{
		cfg:       cfg,
		log:       log,
		client:    client,
		store:     st,
		uploader:  uploader,
		gateway:   rtc.NewGateway(cfg.ICEServersJSON, log),
		job:       job,
		questions: questions,
	}

	srv := httpserver.New(httpserver.Deps{
		AuthPassword:  cfg.AuthPassword,
		Offer:         app,
		NewController: app.newController,
		Log:           log,
	})

	errs := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.HTTPAddress).Info("server listening")
		errs <- srv.Start(cfg.HTTPAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		log.WithError(err).Fatal("server error")
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// application wires one candidate's media connection to their interview
// session.
type application struct {
	cfg       config.Config
	log       *logrus.Logger
	client    *llm.Client
	store     *store.Store
	uploader  interview.RecordingUploader
	gateway   *rtc.Gateway
	job       models.Job
	questions []models.Question

	mu         sync.Mutex
	conn       *rtc.Conn
	recognizer *speech.StreamingRecognizer
}

// HandleOffer answers the candidate's SDP offer and keeps the media
// connection for the control channel to bind to.
func (a *application) HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	recognizer := speech.NewStreamingRecognizer(a.cfg.AssemblyAIKey, a.log)
	conn, answer, err := a.gateway.Connect(ctx, offer, recognizer)
	if err != nil {
		return rtc.SessionDescription{}, err
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = conn
	a.recognizer = recognizer
	a.mu.Unlock()
	return answer, nil
}

// newController builds the session stack for one control connection.
func (a *application) newController(events httpserver.SessionEvents) httpserver.Controller {
	a.mu.Lock()
	conn := a.conn
	recognizer := a.recognizer
	a.mu.Unlock()

	var sink speech.PCMSink = discardSink{}
	var rec speech.Recognizer = noRecognizer{}
	if conn != nil {
		sink = conn.Sink()
	}
	if recognizer != nil {
		rec = recognizer
	}
	var synth speech.Synthesizer
	if a.cfg.DeepgramKey == "" && a.cfg.ElevenLabsKey != "" {
		synth = speech.NewElevenLabsSynthesizer(a.cfg.ElevenLabsKey, a.cfg.ElevenLabsVoice, sink, a.log)
	} else {
		synth = speech.NewDeepgramSynthesizer(a.cfg.DeepgramKey, a.cfg.DeepgramVoice, sink, a.log)
	}
	bridge := speech.NewBridge(rec, synth, a.log)

	session := interview.NewSession(interview.Config{
		Agent:      a.client,
		Speech:     bridge,
		Store:      a.store,
		Uploader:   a.uploader,
		Notifier:   notifierFunc(events.Notify),
		Transcript: transcriptEvents{events},
		Log:        a.log,
		Job:        &a.job,
		Questions:  a.questions,
		Round:      models.RoundTechnical,
	})
	bridge.OnAnswer = session.HandleAnswer

	return &controller{session: session, bridge: bridge, conn: conn, store: a.store, questions: a.questions}
}

// bootstrapJob seeds the store with the configured job, generating its
// question set when credentials allow and falling back to a built-in set.
func bootstrapJob(client *llm.Client, st *store.Store, log *logrus.Logger) (models.Job, []models.Question) {
	title := os.Getenv("INTERVIEW_JOB_TITLE")
	if title == "" {
		title = "Software Engineer"
	}
	job := models.Job{
		ID:          "job-default",
		Title:       title,
		Description: os.Getenv("INTERVIEW_JOB_DESCRIPTION"),
	}
	count := 5
	if n, err := strconv.Atoi(os.Getenv("INTERVIEW_QUESTION_COUNT")); err == nil && n > 0 {
		count = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	questions, err := client.GenerateQuestions(ctx, llm.QuestionSpec{
		JobTitle:       job.Title,
		JobDescription: job.Description,
		Round:          models.RoundTechnical,
		Count:          count,
	})
	if err != nil {
		log.WithError(err).Warn("question generation failed, using built-in set")
		questions = []models.Question{
			{ID: "builtin-1", Text: "Walk me through a project you are proud of.", Type: models.QuestionVoice, Weight: 5, EvalMode: models.EvalAuto},
			{ID: "builtin-2", Text: "How do you approach debugging a production incident?", Type: models.QuestionVoice, Weight: 5, EvalMode: models.EvalAuto},
			{ID: "builtin-3", Text: "Describe a technical decision you would make differently today.", Type: models.QuestionVoice, Weight: 5, EvalMode: models.EvalAuto},
		}
	}
	st.SeedJob(job, questions)
	return job, questions
}

// controller adapts the session and bridge to the control-channel surface.
type controller struct {
	session   *interview.Session
	bridge    *speech.Bridge
	conn      *rtc.Conn
	store     *store.Store
	questions []models.Question
}

func (c *controller) Start(ctx context.Context) error { return c.session.Start(ctx) }
func (c *controller) ConfirmPhoto() error             { return c.session.ConfirmPhoto() }

func (c *controller) Begin() error {
	if err := c.bridge.Start(); err != nil {
		return err
	}
	if err := c.session.Begin(); err != nil {
		return err
	}
	c.store.SetCurrentJobSession(c.session.Record().ID, c.questions)
	return nil
}

func (c *controller) ReportViolation(kind string) { c.session.ReportViolation(kind) }
func (c *controller) SetMuted(muted bool)         { c.bridge.SetMuted(muted) }

func (c *controller) End() {
	c.session.End()
	c.store.ClearFlow()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *controller) State() string { return c.session.State().String() }

type notifierFunc func(text string)

func (f notifierFunc) Notify(text string) { f(text) }

// transcriptEvents projects session transcript callbacks onto the control
// channel frames.
type transcriptEvents struct {
	events httpserver.SessionEvents
}

func (t transcriptEvents) Delta(text string) {
	if t.events.Delta != nil {
		t.events.Delta(text)
	}
}

func (t transcriptEvents) Turn(role models.Role, content string) {
	if t.events.Turn != nil {
		t.events.Turn(string(role), content)
	}
}

// discardSink swallows synthesized audio when no media connection exists.
type discardSink struct{}

func (discardSink) WritePCM([]byte) {}
func (discardSink) FlushTail()      {}
func (discardSink) Reset()          {}

// noRecognizer keeps the bridge functional before media is connected.
type noRecognizer struct{}

func (noRecognizer) Start() error                  { return nil }
func (noRecognizer) Stop() error                   { return nil }
func (noRecognizer) Results() <-chan speech.Result { return nil }
