package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"team-answer-service/internal/domain"
)

// LockReason says why a session stopped accepting edits.
type LockReason int

const (
	NotLocked LockReason = iota
	// SubmittedHere means this session's own submit closed the attempt.
	SubmittedHere
	// SubmittedByTeammate means another client closed the attempt first.
	SubmittedByTeammate
)

func (r LockReason) String() string {
	switch r {
	case SubmittedHere:
		return "submitted"
	case SubmittedByTeammate:
		return "submitted by a teammate"
	default:
		return "open"
	}
}

// ErrLocked rejects local edits after the attempt is closed.
var ErrLocked = errors.New("answer session is locked")

type Options struct {
	Debounce       time.Duration
	PollInterval   time.Duration
	ActivityWindow time.Duration
	Clock          clockwork.Clock

	// OnLock fires once when the session locks.
	OnLock func(reason LockReason)
	// OnDrawingReload fires when a pulled drawing replaces the one on the displayed question.
	OnDrawingReload func(questionID string, drawing domain.Drawing)
	// OnTick receives the local countdown every second.
	OnTick func(timeLeft int)
}

func DefaultOptions() Options {
	return Options{
		Debounce:       500 * time.Millisecond,
		PollInterval:   2 * time.Second,
		ActivityWindow: time.Second,
	}
}

// State is a point-in-time copy of a session's local view.
type State struct {
	Answers         map[string]domain.AnswerValue
	Drawings        map[string]domain.Drawing
	CurrentQuestion string
	TimeLeft        int
	TimeKnown       bool
	Pending         *domain.FieldUpdate
	Locked          LockReason
}

// Session is one user's view of a team answer document for the duration of
// one test-taking session. Edit methods are safe for concurrent use; Run drives
// the debounced push, the periodic pull, and the countdown.
type Session struct {
	api   API
	key   domain.DocumentKey
	opts  Options
	clock clockwork.Clock

	mu           sync.Mutex
	answers      map[string]domain.AnswerValue
	drawings     map[string]domain.Drawing
	lastActivity time.Time
	pending      *domain.FieldUpdate
	pendingSeq   uint64
	current      string
	timeLeft     int
	timeKnown    bool
	locked       LockReason
	submitting   bool

	edits chan struct{}
}

func NewSession(api API, key domain.DocumentKey, opts Options) *Session {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = defaults.ActivityWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Session{
		api:      api,
		key:      key,
		opts:     opts,
		clock:    opts.Clock,
		answers:  make(map[string]domain.AnswerValue),
		drawings: make(map[string]domain.Drawing),
		edits:    make(chan struct{}, 1),
	}
}

// Start joins the team document: it locks if the attempt is already closed,
// loads the existing document, or creates it from the local snapshot.
func (s *Session) Start(ctx context.Context) error {
	submitted, err := s.api.CheckSubmitted(ctx, s.key)
	if err != nil {
		return err
	}
	if submitted {
		s.lock(SubmittedByTeammate)
		return nil
	}

	doc, err := s.api.Get(ctx, s.key)
	if errors.Is(err, domain.ErrNotFound) {
		return s.create(ctx)
	}
	if err != nil {
		return err
	}
	s.merge(doc, false)
	return nil
}

// SetAnswer records a local answer edit and schedules its push.
func (s *Session) SetAnswer(questionID string, value domain.AnswerValue) error {
	return s.edit(domain.FieldUpdate{QuestionID: questionID, Answer: &value}, func() {
		if value.Kind() == domain.AnswerUnset {
			delete(s.answers, questionID)
			return
		}
		s.answers[questionID] = value
	})
}

// SetDrawing records a local drawing edit and schedules its push.
func (s *Session) SetDrawing(questionID string, drawing domain.Drawing) error {
	if drawing == nil {
		drawing = domain.Drawing{}
	}
	drawing = drawing.Clone()
	return s.edit(domain.FieldUpdate{QuestionID: questionID, Drawing: &domain.DrawingChange{Paths: drawing}}, func() {
		s.drawings[questionID] = drawing
	})
}

// ClearDrawing removes a question's drawing locally and on the server.
func (s *Session) ClearDrawing(questionID string) error {
	return s.edit(domain.FieldUpdate{QuestionID: questionID, Drawing: &domain.DrawingChange{Clear: true}}, func() {
		delete(s.drawings, questionID)
	})
}

// SetCurrentQuestion tells the session which question is on screen.
func (s *Session) SetCurrentQuestion(questionID string) {
	s.mu.Lock()
	s.current = questionID
	s.mu.Unlock()
}

func (s *Session) edit(update domain.FieldUpdate, apply func()) error {
	s.mu.Lock()
	if s.locked != NotLocked {
		s.mu.Unlock()
		return ErrLocked
	}
	apply()
	s.lastActivity = s.clock.Now()
	// Only the newest mutation is kept; older ones still live in local state.
	s.pending = &update
	s.pendingSeq++
	s.mu.Unlock()

	select {
	case s.edits <- struct{}{}:
	default:
	}
	return nil
}

// State returns a copy of the local view.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Answers:         make(map[string]domain.AnswerValue, len(s.answers)),
		Drawings:        make(map[string]domain.Drawing, len(s.drawings)),
		CurrentQuestion: s.current,
		TimeLeft:        s.timeLeft,
		TimeKnown:       s.timeKnown,
		Locked:          s.locked,
	}
	for k, v := range s.answers {
		st.Answers[k] = v
	}
	for k, v := range s.drawings {
		st.Drawings[k] = v.Clone()
	}
	if s.pending != nil {
		p := *s.pending
		st.Pending = &p
	}
	return st
}

// Run multiplexes the debounce timer, the poll ticker, and the countdown until
// ctx is done or the session locks.
func (s *Session) Run(ctx context.Context) error {
	poll := s.clock.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	countdown := s.clock.NewTicker(time.Second)
	defer countdown.Stop()

	var (
		debounce  clockwork.Timer
		debounceC <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		if s.isLocked() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.edits:
			if debounce == nil {
				debounce = s.clock.NewTimer(s.opts.Debounce)
			} else {
				debounce.Reset(s.opts.Debounce)
			}
			debounceC = debounce.Chan()
		case <-debounceC:
			debounceC = nil
			_ = s.Flush(ctx)
		case <-poll.Chan():
			if debounceC == nil {
				// Retry a slot left behind by a failed push.
				_ = s.Flush(ctx)
			}
			_ = s.Poll(ctx)
		case <-countdown.Chan():
			s.tick(ctx)
		}
	}
}

// Flush pushes the pending mutation now. Failures keep the slot for the next cycle.
func (s *Session) Flush(ctx context.Context) error {
	update, seq, ok := s.takePending()
	if !ok {
		return nil
	}
	doc, err := s.api.ApplyFieldUpdate(ctx, s.key, update)
	switch {
	case err == nil:
		s.settle(seq)
		s.observeTime(doc)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return s.create(ctx)
	case errors.Is(err, domain.ErrAlreadySubmitted):
		s.lock(SubmittedByTeammate)
		return nil
	case !IsTransient(err):
		log.Error().Err(err).Str("document", s.key.String()).Str("question_id", update.QuestionID).Msg("field update rejected")
		s.settle(seq)
		return err
	default:
		log.Warn().Err(err).Str("document", s.key.String()).Msg("push failed, retrying next cycle")
		return err
	}
}

// create is the fallback for a missing document: it sends the full local snapshot.
// Losing the creation race means merging the winner and re-pushing our pending edit.
func (s *Session) create(ctx context.Context) error {
	s.mu.Lock()
	answers, drawings := s.snapshotLocked()
	seq := s.pendingSeq
	s.mu.Unlock()

	doc, err := s.api.Create(ctx, s.key, answers, drawings)
	switch {
	case err == nil:
		s.settle(seq)
		s.merge(doc, false)
		log.Info().Str("document", s.key.String()).Msg("answer document created")
		return nil
	case errors.Is(err, domain.ErrAlreadySubmitted):
		s.lock(SubmittedByTeammate)
		return nil
	case errors.Is(err, domain.ErrAlreadyExists):
	default:
		log.Warn().Err(err).Str("document", s.key.String()).Msg("create fallback failed")
		return err
	}

	winner, err := s.api.Get(ctx, s.key)
	if err != nil {
		log.Warn().Err(err).Str("document", s.key.String()).Msg("fetch after lost create failed")
		return err
	}
	s.merge(winner, false)

	update, seq, ok := s.takePending()
	if !ok {
		return nil
	}
	doc, err = s.api.ApplyFieldUpdate(ctx, s.key, update)
	switch {
	case err == nil:
		s.settle(seq)
		s.observeTime(doc)
		return nil
	case errors.Is(err, domain.ErrAlreadySubmitted):
		s.lock(SubmittedByTeammate)
		return nil
	default:
		log.Warn().Err(err).Str("document", s.key.String()).Msg("re-push after lost create failed")
		return err
	}
}

// Poll checks for a teammate's submission, then merges the server document field by field.
func (s *Session) Poll(ctx context.Context) error {
	if s.isLocked() {
		return nil
	}
	submitted, err := s.api.CheckSubmitted(ctx, s.key)
	if err != nil {
		log.Warn().Err(err).Str("document", s.key.String()).Msg("submission check failed")
		return err
	}
	if submitted {
		s.teammateSubmitted()
		return nil
	}
	if s.userActive() {
		return nil
	}

	doc, err := s.api.Get(ctx, s.key)
	if errors.Is(err, domain.ErrNotFound) {
		// Nobody created the document yet; the next push will.
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("document", s.key.String()).Msg("pull failed")
		return err
	}
	s.merge(doc, true)
	return nil
}

// ApplyRemote merges a document that arrived over a push transport.
func (s *Session) ApplyRemote(doc domain.AnswerDocument, submitted bool) {
	if submitted {
		s.teammateSubmitted()
		return
	}
	s.merge(doc, true)
}

// Submit runs the final full sync and closes the attempt. Only one submit is in flight
// at a time and none after the session locks. The submission is only created after the
// final sync succeeded; a failed sync returns its error and leaves the session open.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if s.locked != NotLocked || s.submitting {
		s.mu.Unlock()
		return nil
	}
	s.submitting = true
	answers, drawings := s.snapshotLocked()
	timeLeft := s.timeLeft
	if !s.timeKnown {
		timeLeft = 0
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
	}()

	_, err := s.api.ReplaceAll(ctx, s.key, answers, drawings, &timeLeft)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadySubmitted):
		s.lock(SubmittedByTeammate)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		_, err = s.api.Create(ctx, s.key, answers, drawings)
		if errors.Is(err, domain.ErrAlreadyExists) {
			// A teammate created it between our calls; overwrite with the local view.
			_, err = s.api.ReplaceAll(ctx, s.key, answers, drawings, &timeLeft)
		}
		if errors.Is(err, domain.ErrAlreadySubmitted) {
			s.lock(SubmittedByTeammate)
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("document", s.key.String()).Msg("final create failed, submit postponed")
			return err
		}
	default:
		// Never submit over an unsynced document. The next tick or manual submit retries.
		log.Warn().Err(err).Str("document", s.key.String()).Msg("final sync failed, submit postponed")
		return err
	}

	sub, err := s.api.Submit(ctx, s.key, timeLeft)
	switch {
	case err == nil:
		log.Info().Str("document", s.key.String()).Str("submission_id", sub.ID).Int("time_left", sub.TimeLeftSeconds).Msg("test submitted")
		s.lock(SubmittedHere)
		return nil
	case errors.Is(err, domain.ErrAlreadySubmitted):
		s.lock(SubmittedByTeammate)
		return nil
	default:
		log.Warn().Err(err).Str("document", s.key.String()).Msg("submit failed")
		return err
	}
}

func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	if !s.timeKnown || s.locked != NotLocked {
		s.mu.Unlock()
		return
	}
	if s.timeLeft > 0 {
		s.timeLeft--
	}
	left := s.timeLeft
	s.mu.Unlock()

	if s.opts.OnTick != nil {
		s.opts.OnTick(left)
	}
	if left == 0 {
		_ = s.Submit(ctx)
	}
}

// merge folds doc into local state. With respectActivity, a user who typed
// within the activity window keeps the local copy untouched.
func (s *Session) merge(doc domain.AnswerDocument, respectActivity bool) {
	s.mu.Lock()
	now := s.clock.Now()
	s.timeLeft = doc.TimeLeftSeconds
	s.timeKnown = true
	if respectActivity && now.Sub(s.lastActivity) < s.opts.ActivityWindow {
		s.mu.Unlock()
		return
	}
	adoptedAnswers := MergeAnswers(s.answers, doc, now)
	adoptedDrawings := MergeDrawings(s.drawings, doc, now)
	current := s.current
	var reload domain.Drawing
	reloadCurrent := false
	for _, questionID := range adoptedDrawings {
		if questionID == current {
			reload = s.drawings[questionID].Clone()
			reloadCurrent = true
		}
	}
	s.mu.Unlock()

	if len(adoptedAnswers) > 0 || len(adoptedDrawings) > 0 {
		log.Debug().
			Str("document", s.key.String()).
			Strs("answers", adoptedAnswers).
			Strs("drawings", adoptedDrawings).
			Msg("adopted server fields")
	}
	if reloadCurrent && s.opts.OnDrawingReload != nil {
		s.opts.OnDrawingReload(current, reload)
	}
}

func (s *Session) observeTime(doc domain.AnswerDocument) {
	s.mu.Lock()
	s.timeLeft = doc.TimeLeftSeconds
	s.timeKnown = true
	s.mu.Unlock()
}

func (s *Session) lock(reason LockReason) {
	s.mu.Lock()
	if s.locked != NotLocked {
		s.mu.Unlock()
		return
	}
	s.locked = reason
	s.pending = nil
	s.mu.Unlock()

	log.Info().Str("document", s.key.String()).Stringer("reason", reason).Msg("answer session locked")
	if s.opts.OnLock != nil {
		s.opts.OnLock(reason)
	}
}

// teammateSubmitted locks unless our own submit is in flight and about to lock itself.
func (s *Session) teammateSubmitted() {
	s.mu.Lock()
	mine := s.submitting
	s.mu.Unlock()
	if !mine {
		s.lock(SubmittedByTeammate)
	}
}

func (s *Session) isLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked != NotLocked
}

func (s *Session) userActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.lastActivity) < s.opts.ActivityWindow
}

func (s *Session) takePending() (domain.FieldUpdate, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked != NotLocked || s.pending == nil {
		return domain.FieldUpdate{}, 0, false
	}
	return *s.pending, s.pendingSeq, true
}

// settle clears the pending slot unless a newer edit replaced it meanwhile.
func (s *Session) settle(seq uint64) {
	s.mu.Lock()
	if s.pendingSeq == seq {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *Session) snapshotLocked() (map[string]domain.AnswerValue, map[string]domain.Drawing) {
	answers := make(map[string]domain.AnswerValue, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	drawings := make(map[string]domain.Drawing, len(s.drawings))
	for k, v := range s.drawings {
		drawings[k] = v.Clone()
	}
	return answers, drawings
}
