package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"team-answer-service/internal/domain"
)

// MutateFunc edits a document in place and reports whether anything changed.
// Returning changed=false lets the store skip the write entirely.
type MutateFunc func(doc *domain.AnswerDocument) (changed bool, err error)

// DocumentRepository abstracts how answer documents are stored (in-memory, Redis, Postgres).
// Update must run mutate as an atomic read-modify-write for that one document.
type DocumentRepository interface {
	Create(ctx context.Context, doc domain.AnswerDocument) error
	Get(ctx context.Context, key domain.DocumentKey) (domain.AnswerDocument, error)
	Update(ctx context.Context, key domain.DocumentKey, mutate MutateFunc) (domain.AnswerDocument, error)
}

// SubmissionRepository guarantees at most one submission per (test, team).
type SubmissionRepository interface {
	Create(ctx context.Context, sub domain.Submission) error
	Exists(ctx context.Context, key domain.DocumentKey) (bool, error)
	Get(ctx context.Context, key domain.DocumentKey) (domain.Submission, error)
}

// TestCatalog loads test definitions (from cache/backing store) and owns the
// pending-assignment list.
type TestCatalog interface {
	GetTest(ctx context.Context, testID string) (domain.TestDefinition, error)
	DetachTeam(ctx context.Context, testID, teamID string) error
}

// TeamDirectory answers team membership for an already-verified user.
type TeamDirectory interface {
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
}

// EventPublisher announces closed attempts to downstream consumers (grading).
type EventPublisher interface {
	PublishSubmission(ctx context.Context, sub domain.Submission) error
}

// AnswerService contains the answer-session use cases.
type AnswerService struct {
	documents   DocumentRepository
	submissions SubmissionRepository
	tests       TestCatalog
	teams       TeamDirectory
	events      EventPublisher
	hub         *Hub
	clock       clockwork.Clock
}

// Option customizes an AnswerService.
type Option func(*AnswerService)

// WithClock swaps the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *AnswerService) { s.clock = clock }
}

// WithPublisher sets where submission events go.
func WithPublisher(p EventPublisher) Option {
	return func(s *AnswerService) { s.events = p }
}

// WithHub attaches a hub that receives every accepted write.
func WithHub(h *Hub) Option {
	return func(s *AnswerService) { s.hub = h }
}

func NewAnswerService(documents DocumentRepository, submissions SubmissionRepository, tests TestCatalog, teams TeamDirectory, opts ...Option) *AnswerService {
	s := &AnswerService{
		documents:   documents,
		submissions: submissions,
		tests:       tests,
		teams:       teams,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the attached hub, or nil.
func (s *AnswerService) Hub() *Hub {
	return s.hub
}

// Create starts the team's answer session. The first caller wins; later callers get
// ErrAlreadyExists and should fetch the winning document instead.
func (s *AnswerService) Create(ctx context.Context, userID string, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) (domain.AnswerDocument, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.AnswerDocument{}, err
	}
	if err := s.ensureOpen(ctx, key); err != nil {
		return domain.AnswerDocument{}, err
	}
	test, err := s.tests.GetTest(ctx, key.TestID)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	if err := checkQuestions(test, answers, drawings); err != nil {
		return domain.AnswerDocument{}, err
	}

	now := s.clock.Now()
	doc := domain.AnswerDocument{
		TestID:          key.TestID,
		TeamID:          key.TeamID,
		AuthorID:        userID,
		StartedAt:       now,
		DurationSeconds: test.DurationSeconds,
		TimeLeftSeconds: test.DurationSeconds,
	}
	doc.Normalize()
	for questionID, value := range answers {
		if value.Kind() == domain.AnswerUnset {
			continue
		}
		doc.Answers[questionID] = value
		doc.AnswerTimestamps[questionID] = now
	}
	for questionID, drawing := range drawings {
		if drawing == nil {
			continue
		}
		doc.Drawings[questionID] = drawing.Clone()
		doc.DrawingTimestamps[questionID] = now
	}

	if err := s.documents.Create(ctx, doc); err != nil {
		return domain.AnswerDocument{}, err
	}
	log.Info().
		Str("test_id", key.TestID).
		Str("team_id", key.TeamID).
		Str("user_id", userID).
		Int("answers", len(doc.Answers)).
		Msg("answer session started")

	s.broadcast(doc, false)
	return withTimeLeft(doc, now), nil
}

// Get returns the document with a freshly recomputed countdown.
func (s *AnswerService) Get(ctx context.Context, userID string, key domain.DocumentKey) (domain.AnswerDocument, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.AnswerDocument{}, err
	}
	doc, err := s.documents.Get(ctx, key)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	return withTimeLeft(doc, s.clock.Now()), nil
}

// ApplyFieldUpdate merges one question's answer or drawing into the document.
// Identical values are no-ops, so retries never advance a field's timestamp.
func (s *AnswerService) ApplyFieldUpdate(ctx context.Context, userID string, key domain.DocumentKey, update domain.FieldUpdate) (domain.AnswerDocument, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.AnswerDocument{}, err
	}
	if err := domain.ValidateID("question id", update.QuestionID); err != nil {
		return domain.AnswerDocument{}, err
	}
	if update.Answer == nil && update.Drawing == nil {
		return domain.AnswerDocument{}, domain.ErrEmptyUpdate
	}
	test, err := s.tests.GetTest(ctx, key.TestID)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	if !test.HasQuestion(update.QuestionID) {
		return domain.AnswerDocument{}, fmt.Errorf("%s: %w", update.QuestionID, domain.ErrQuestionNotFound)
	}
	if err := s.ensureOpen(ctx, key); err != nil {
		return domain.AnswerDocument{}, err
	}

	now := s.clock.Now()
	wrote := false
	doc, err := s.documents.Update(ctx, key, func(doc *domain.AnswerDocument) (bool, error) {
		if doc.Closed {
			return false, domain.ErrAlreadySubmitted
		}
		doc.Normalize()
		changed := false
		if update.Answer != nil && applyAnswer(doc, update.QuestionID, *update.Answer, now) {
			changed = true
		}
		if update.Drawing != nil && applyDrawing(doc, update.QuestionID, *update.Drawing, now) {
			changed = true
		}
		if changed {
			doc.SubmittedAt = &now
			doc.AuthorID = userID
		}
		wrote = changed
		return changed, nil
	})
	if err != nil {
		return domain.AnswerDocument{}, err
	}

	if wrote {
		log.Debug().
			Str("test_id", key.TestID).
			Str("team_id", key.TeamID).
			Str("question_id", update.QuestionID).
			Str("user_id", userID).
			Msg("field update applied")
		s.broadcast(doc, false)
	}
	return withTimeLeft(doc, now), nil
}

// ReplaceAll overwrites the whole answer state. Every key in the payload is stamped now;
// keys missing from the payload are dropped with their timestamps.
func (s *AnswerService) ReplaceAll(ctx context.Context, userID string, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing, timeLeftOverride *int) (domain.AnswerDocument, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.AnswerDocument{}, err
	}
	test, err := s.tests.GetTest(ctx, key.TestID)
	if err != nil {
		return domain.AnswerDocument{}, err
	}
	if err := checkQuestions(test, answers, drawings); err != nil {
		return domain.AnswerDocument{}, err
	}
	if err := s.ensureOpen(ctx, key); err != nil {
		return domain.AnswerDocument{}, err
	}

	now := s.clock.Now()
	doc, err := s.documents.Update(ctx, key, func(doc *domain.AnswerDocument) (bool, error) {
		if doc.Closed {
			return false, domain.ErrAlreadySubmitted
		}
		doc.Normalize()
		nextAnswers := make(map[string]domain.AnswerValue, len(answers))
		nextAnswerTS := make(map[string]time.Time, len(answers))
		for questionID, value := range answers {
			if value.Kind() == domain.AnswerUnset {
				continue
			}
			nextAnswers[questionID] = value
			nextAnswerTS[questionID] = now
		}
		nextDrawings := make(map[string]domain.Drawing, len(drawings))
		nextDrawingTS := make(map[string]time.Time, len(drawings))
		for questionID, drawing := range drawings {
			if drawing == nil {
				continue
			}
			nextDrawings[questionID] = drawing.Clone()
			nextDrawingTS[questionID] = now
		}
		doc.Answers = nextAnswers
		doc.AnswerTimestamps = nextAnswerTS
		doc.Drawings = nextDrawings
		doc.DrawingTimestamps = nextDrawingTS
		doc.AuthorID = userID

		computed := TimeLeft(doc.StartedAt, doc.DurationSeconds, now)
		if timeLeftOverride != nil {
			doc.TimeLeftSeconds = clampOverride(*timeLeftOverride, computed)
		} else {
			doc.TimeLeftSeconds = computed
		}
		return true, nil
	})
	if err != nil {
		return domain.AnswerDocument{}, err
	}

	log.Info().
		Str("test_id", key.TestID).
		Str("team_id", key.TeamID).
		Str("user_id", userID).
		Int("answers", len(doc.Answers)).
		Int("drawings", len(doc.Drawings)).
		Msg("answer session replaced")
	s.broadcast(doc, false)

	if timeLeftOverride != nil {
		return doc, nil
	}
	return withTimeLeft(doc, now), nil
}

// CheckSubmitted is the cheap probe every client runs before trusting local state.
func (s *AnswerService) CheckSubmitted(ctx context.Context, userID string, key domain.DocumentKey) (bool, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return false, err
	}
	return s.submissions.Exists(ctx, key)
}

// Submit closes the team's attempt exactly once. The loser of a race gets ErrAlreadySubmitted.
func (s *AnswerService) Submit(ctx context.Context, userID string, key domain.DocumentKey, finalTimeLeft int) (domain.Submission, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.Submission{}, err
	}

	now := s.clock.Now()
	sub := domain.Submission{
		ID:              uuid.NewString(),
		TestID:          key.TestID,
		TeamID:          key.TeamID,
		AuthorID:        userID,
		TimeLeftSeconds: finalTimeLeft,
		Answers:         map[string]domain.AnswerValue{},
		Drawings:        map[string]domain.Drawing{},
		CreatedAt:       now,
	}
	if sub.TimeLeftSeconds < 0 {
		sub.TimeLeftSeconds = 0
	}

	// Close the document first: writes that commit after this are rejected inside the
	// store's atomic update, so the snapshot below is final.
	closed, err := s.documents.Update(ctx, key, func(doc *domain.AnswerDocument) (bool, error) {
		doc.Normalize()
		doc.Closed = true
		return true, nil
	})
	hasDocument := true
	switch {
	case err == nil:
		snapshot := closed.Clone()
		sub.Answers = snapshot.Answers
		sub.Drawings = snapshot.Drawings
		sub.TimeLeftSeconds = clampOverride(finalTimeLeft, TimeLeft(closed.StartedAt, closed.DurationSeconds, now))
	case errors.Is(err, domain.ErrNotFound):
		// The team never started; close it with an empty snapshot.
		hasDocument = false
	default:
		return domain.Submission{}, err
	}

	if err := s.submissions.Create(ctx, sub); err != nil {
		if hasDocument && !errors.Is(err, domain.ErrAlreadySubmitted) {
			s.reopen(ctx, key)
		}
		return domain.Submission{}, err
	}
	log.Info().
		Str("test_id", key.TestID).
		Str("team_id", key.TeamID).
		Str("user_id", userID).
		Str("submission_id", sub.ID).
		Int("time_left", sub.TimeLeftSeconds).
		Msg("test submitted")

	if hasDocument {
		stamped, err := s.documents.Update(ctx, key, func(doc *domain.AnswerDocument) (bool, error) {
			doc.SubmittedAt = &now
			doc.AuthorID = userID
			return true, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("test_id", key.TestID).Str("team_id", key.TeamID).Msg("failed to stamp submitted document")
		} else {
			closed = stamped
		}
		s.broadcast(closed, true)
	}

	if err := s.tests.DetachTeam(ctx, key.TestID, key.TeamID); err != nil {
		log.Warn().Err(err).Str("test_id", key.TestID).Str("team_id", key.TeamID).Msg("failed to detach team from assignment")
	}
	if s.events != nil {
		if err := s.events.PublishSubmission(ctx, sub); err != nil {
			log.Warn().Err(err).Str("submission_id", sub.ID).Msg("failed to publish submission event")
		}
	}
	return sub, nil
}

// reopen undoes the close after a failed submission insert, unless a submission exists by now.
func (s *AnswerService) reopen(ctx context.Context, key domain.DocumentKey) {
	if submitted, err := s.submissions.Exists(ctx, key); err != nil || submitted {
		return
	}
	_, err := s.documents.Update(ctx, key, func(doc *domain.AnswerDocument) (bool, error) {
		doc.Closed = false
		return true, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("test_id", key.TestID).Str("team_id", key.TeamID).Msg("failed to reopen document")
	}
}

// GetSubmission returns the closed attempt, or ErrNotFound.
func (s *AnswerService) GetSubmission(ctx context.Context, userID string, key domain.DocumentKey) (domain.Submission, error) {
	if err := s.authorize(ctx, userID, key); err != nil {
		return domain.Submission{}, err
	}
	return s.submissions.Get(ctx, key)
}

func (s *AnswerService) authorize(ctx context.Context, userID string, key domain.DocumentKey) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	if err := domain.ValidateID("user id", userID); err != nil {
		return err
	}
	if s.teams == nil {
		return nil
	}
	ok, err := s.teams.IsMember(ctx, key.TeamID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotTeamMember
	}
	return nil
}

func (s *AnswerService) ensureOpen(ctx context.Context, key domain.DocumentKey) error {
	submitted, err := s.submissions.Exists(ctx, key)
	if err != nil {
		return err
	}
	if submitted {
		return domain.ErrAlreadySubmitted
	}
	return nil
}

func (s *AnswerService) broadcast(doc domain.AnswerDocument, submitted bool) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(DocumentEvent{Document: withTimeLeft(doc, s.clock.Now()), Submitted: submitted})
}

// applyAnswer writes value only if it differs from what is stored. Unset clears the field.
func applyAnswer(doc *domain.AnswerDocument, questionID string, value domain.AnswerValue, now time.Time) bool {
	current, ok := doc.Answers[questionID]
	if value.Kind() == domain.AnswerUnset {
		if !ok {
			return false
		}
		delete(doc.Answers, questionID)
		delete(doc.AnswerTimestamps, questionID)
		return true
	}
	if ok && current.Equal(value) {
		return false
	}
	doc.Answers[questionID] = value
	doc.AnswerTimestamps[questionID] = now
	return true
}

func applyDrawing(doc *domain.AnswerDocument, questionID string, change domain.DrawingChange, now time.Time) bool {
	current, ok := doc.Drawings[questionID]
	if change.Clear {
		_, stamped := doc.DrawingTimestamps[questionID]
		if !ok && !stamped {
			return false
		}
		delete(doc.Drawings, questionID)
		delete(doc.DrawingTimestamps, questionID)
		return true
	}
	paths := change.Paths
	if paths == nil {
		paths = domain.Drawing{}
	}
	if ok && current.Equal(paths) {
		return false
	}
	doc.Drawings[questionID] = paths.Clone()
	doc.DrawingTimestamps[questionID] = now
	return true
}

func checkQuestions(test domain.TestDefinition, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) error {
	for questionID := range answers {
		if err := checkQuestion(test, questionID); err != nil {
			return err
		}
	}
	for questionID := range drawings {
		if err := checkQuestion(test, questionID); err != nil {
			return err
		}
	}
	return nil
}

func checkQuestion(test domain.TestDefinition, questionID string) error {
	if err := domain.ValidateID("question id", questionID); err != nil {
		return err
	}
	if !test.HasQuestion(questionID) {
		return fmt.Errorf("%s: %w", questionID, domain.ErrQuestionNotFound)
	}
	return nil
}
