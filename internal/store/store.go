// Package store keeps interview records and job data in memory. Writes are
// last-write-wins; all methods are safe for concurrent use.
package store

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nexhire/interview-agent/internal/models"
)

// Store holds jobs, their question sets, job interview sessions and mock
// interview records. Jobs and questions are seeded up front; sessions and
// interviews are written by the engine as they progress.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]models.Job
	questions map[string][]models.Question
	sessions  map[string]models.InterviewSession
	mocks     map[string]models.Interview
	mockOrder []string

	// Flags scoped to the current browser-session equivalent. Cleared when
	// the caller switches between the mock and job flows.
	guidelinesSeen bool
	currentSession string
	currentQues    []models.Question
}

func New() *Store {
	return &Store{
		jobs:      make(map[string]models.Job),
		questions: make(map[string][]models.Question),
		sessions:  make(map[string]models.InterviewSession),
		mocks:     make(map[string]models.Interview),
	}
}

// SeedJob registers a job and its question set. Used at startup and by tests.
func (s *Store) SeedJob(job models.Job, questions []models.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.questions[job.ID] = append([]models.Question(nil), questions...)
}

func (s *Store) GetJobByID(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("store: job %s not found", id)
	}
	return job, nil
}

func (s *Store) GetQuestionsByJobID(jobID string) ([]models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qs, ok := s.questions[jobID]
	if !ok {
		return nil, fmt.Errorf("store: no questions for job %s", jobID)
	}
	return append([]models.Question(nil), qs...), nil
}

// AddInterviewSession stores a new session record, assigning an ID when the
// caller left it empty, and returns the stored copy.
func (s *Store) AddInterviewSession(sess models.InterviewSession) models.InterviewSession {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Store) GetInterviewSessionByID(id string) (models.InterviewSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.InterviewSession{}, fmt.Errorf("store: session %s not found", id)
	}
	return sess, nil
}

// UpdateInterviewSession replaces the stored record wholesale.
func (s *Store) UpdateInterviewSession(sess models.InterviewSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("store: session %s not found", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// AddInterview stores a new mock interview record, assigning an ID when the
// caller left it empty, and returns the stored copy.
func (s *Store) AddInterview(iv models.Interview) models.Interview {
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mocks[iv.ID]; !ok {
		s.mockOrder = append(s.mockOrder, iv.ID)
	}
	s.mocks[iv.ID] = iv
	return iv
}

// GetInterviews returns all mock interview records in insertion order.
func (s *Store) GetInterviews() []models.Interview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Interview, 0, len(s.mockOrder))
	for _, id := range s.mockOrder {
		out = append(out, s.mocks[id])
	}
	return out
}

func (s *Store) UpdateInterview(iv models.Interview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mocks[iv.ID]; !ok {
		return fmt.Errorf("store: interview %s not found", iv.ID)
	}
	s.mocks[iv.ID] = iv
	return nil
}

// SetGuidelinesSeen records that the pre-interview guidelines were shown.
func (s *Store) SetGuidelinesSeen(seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guidelinesSeen = seen
}

func (s *Store) GuidelinesSeen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guidelinesSeen
}

// SetCurrentJobSession pins the in-flight job session and its question set so
// a reconnect can resume it.
func (s *Store) SetCurrentJobSession(sessionID string, questions []models.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSession = sessionID
	s.currentQues = append([]models.Question(nil), questions...)
}

func (s *Store) CurrentJobSession() (string, []models.Question) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSession, append([]models.Question(nil), s.currentQues...)
}

// ClearFlow drops every session-scoped flag. Called when switching between
// the mock and job interview flows so state from one never leaks into the
// other.
func (s *Store) ClearFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guidelinesSeen = false
	s.currentSession = ""
	s.currentQues = nil
}
