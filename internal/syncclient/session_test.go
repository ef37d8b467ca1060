package syncclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"team-answer-service/internal/app"
	"team-answer-service/internal/domain"
	"team-answer-service/internal/infra/memory"
)

var key = domain.DocumentKey{TestID: "test-1", TeamID: "team-a"}

type testEnv struct {
	service *app.AnswerService
	clock   *clockwork.FakeClock
	events  *memory.EventLog
	t0      time.Time
}

func newTestEnv(durationSeconds int) *testEnv {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(t0)
	catalog := memory.NewStaticCatalog(map[string]domain.TestDefinition{
		"test-1": {
			ID:              "test-1",
			DurationSeconds: durationSeconds,
			Questions:       []domain.Question{{ID: "q1", Points: 1}, {ID: "q2", Points: 1}, {ID: "q3", Points: 2}},
		},
	})
	events := memory.NewEventLog()
	service := app.NewAnswerService(
		memory.NewDocumentStore(),
		memory.NewSubmissionStore(),
		memory.NewTestCatalog(catalog, time.Minute),
		catalog,
		app.WithClock(clock),
		app.WithPublisher(events),
	)
	return &testEnv{service: service, clock: clock, events: events, t0: t0}
}

func (e *testEnv) session(user string, opts Options) *Session {
	opts.Clock = e.clock
	return NewSession(NewLocalAPI(e.service, user), key, opts)
}

func (e *testEnv) document(t *testing.T) domain.AnswerDocument {
	t.Helper()
	doc, err := e.service.Get(context.Background(), "u1", key)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	return doc
}

func TestTeammateAdoptsFreshPush(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})
	y := env.session("y", Options{})

	if err := x.Start(ctx); err != nil {
		t.Fatalf("x start: %v", err)
	}
	if err := y.Start(ctx); err != nil {
		t.Fatalf("y start: %v", err)
	}

	env.clock.Advance(5 * time.Second)
	if err := x.SetAnswer("q1", domain.Single("B")); err != nil {
		t.Fatalf("set answer: %v", err)
	}
	if err := x.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if x.State().Pending != nil {
		t.Fatalf("expected pending slot cleared after push")
	}

	env.clock.Advance(time.Second)
	if err := y.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	state := y.State()
	if !state.Answers["q1"].Equal(domain.Single("B")) {
		t.Fatalf("expected y to adopt B, got %v", state.Answers["q1"])
	}
	if state.TimeLeft != 2994 {
		t.Fatalf("expected server time left 2994, got %d", state.TimeLeft)
	}

	doc := env.document(t)
	if !doc.AnswerTimestamps["q1"].Equal(env.t0.Add(5 * time.Second)) {
		t.Fatalf("expected q1 stamped at t0+5s, got %v", doc.AnswerTimestamps["q1"])
	}
}

func TestPollSkippedWhileTyping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})
	y := env.session("y", Options{})
	_ = x.Start(ctx)
	_ = y.Start(ctx)

	env.clock.Advance(5 * time.Second)
	_ = x.SetAnswer("q1", domain.Single("B"))
	_ = x.Flush(ctx)

	_ = y.SetAnswer("q2", domain.Single("C"))
	env.clock.Advance(500 * time.Millisecond)
	if err := y.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, ok := y.State().Answers["q1"]; ok {
		t.Fatalf("pull must be skipped while the user is typing")
	}

	env.clock.Advance(time.Second)
	_ = y.Poll(ctx)
	state := y.State()
	if !state.Answers["q1"].Equal(domain.Single("B")) {
		t.Fatalf("expected q1 adopted once idle, got %v", state.Answers)
	}
	if !state.Answers["q2"].Equal(domain.Single("C")) {
		t.Fatalf("unpushed local-only field must survive, got %v", state.Answers)
	}
}

func TestStaleServerValueOverwritesUnpushedEdit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})
	y := env.session("y", Options{})
	_ = x.Start(ctx)
	_ = y.Start(ctx)

	_ = x.SetAnswer("q1", domain.Single(""))
	_ = x.Flush(ctx)

	env.clock.Advance(3 * time.Second)
	_ = y.SetAnswer("q1", domain.Single("A"))
	env.clock.Advance(time.Second)
	_ = y.Poll(ctx)

	if got := y.State().Answers["q1"]; !got.Equal(domain.Single("")) {
		t.Fatalf("server copy 4s old should replace the unpushed local edit, got %v", got)
	}
}

func TestPushFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})

	_ = x.SetAnswer("q1", domain.Single("A"))
	_ = x.SetAnswer("q2", domain.Multi("x", "y"))
	if err := x.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	doc := env.document(t)
	if len(doc.Answers) != 2 || !doc.Answers["q2"].Equal(domain.Multi("x", "y")) {
		t.Fatalf("expected full local snapshot created, got %v", doc.Answers)
	}
	if doc.AuthorID != "x" {
		t.Fatalf("expected x as author, got %s", doc.AuthorID)
	}
	if state := x.State(); state.Pending != nil || !state.TimeKnown || state.TimeLeft != 3000 {
		t.Fatalf("unexpected state after create fallback %+v", state)
	}
}

// raceAPI lets a teammate create the document right before this client's create lands.
type raceAPI struct {
	API
	before func()
	once   sync.Once
}

func (r *raceAPI) Create(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing) (domain.AnswerDocument, error) {
	r.once.Do(r.before)
	return r.API.Create(ctx, key, answers, drawings)
}

func TestLostCreateMergesWinnerAndRepushes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	api := &raceAPI{
		API: NewLocalAPI(env.service, "y"),
		before: func() {
			_, err := env.service.Create(ctx, "x", key, map[string]domain.AnswerValue{"q1": domain.Single("A")}, nil)
			if err != nil {
				t.Errorf("teammate create: %v", err)
			}
		},
	}
	y := NewSession(api, key, Options{Clock: env.clock})

	_ = y.SetAnswer("q2", domain.Single("C"))
	if err := y.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	doc := env.document(t)
	if !doc.Answers["q1"].Equal(domain.Single("A")) || !doc.Answers["q2"].Equal(domain.Single("C")) {
		t.Fatalf("expected winner's q1 plus re-pushed q2, got %v", doc.Answers)
	}
	state := y.State()
	if !state.Answers["q1"].Equal(domain.Single("A")) || !state.Answers["q2"].Equal(domain.Single("C")) {
		t.Fatalf("expected merged local view, got %v", state.Answers)
	}
	if state.Pending != nil {
		t.Fatalf("expected pending slot cleared")
	}
}

func TestOnlyNewestMutationIsPushed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})
	_ = x.Start(ctx)

	_ = x.SetAnswer("q1", domain.Single("A"))
	_ = x.SetAnswer("q1", domain.Single("AB"))
	_ = x.SetAnswer("q2", domain.Single("Z"))
	_ = x.Flush(ctx)

	doc := env.document(t)
	if _, ok := doc.Answers["q1"]; ok {
		t.Fatalf("superseded mutation must not be pushed, got %v", doc.Answers)
	}
	if !doc.Answers["q2"].Equal(domain.Single("Z")) {
		t.Fatalf("expected newest mutation pushed, got %v", doc.Answers)
	}
	if !x.State().Answers["q1"].Equal(domain.Single("AB")) {
		t.Fatalf("local state must keep the interim edit")
	}
}

func TestTeammateSubmissionLocksSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	var locks []LockReason
	x := env.session("x", Options{})
	y := env.session("y", Options{OnLock: func(r LockReason) { locks = append(locks, r) }})
	_ = x.Start(ctx)
	_ = y.Start(ctx)

	if err := x.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := x.State().Locked; got != SubmittedHere {
		t.Fatalf("expected x locked as submitter, got %v", got)
	}

	_ = y.Poll(ctx)
	_ = y.Poll(ctx)
	if len(locks) != 1 || locks[0] != SubmittedByTeammate {
		t.Fatalf("expected one teammate lock notice, got %v", locks)
	}
	if err := y.SetAnswer("q1", domain.Single("late")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected edits rejected after lock, got %v", err)
	}
}

func TestSubmitSyncsFinalStateExactlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := env.session("x", Options{})
	var yLock LockReason
	y := env.session("y", Options{OnLock: func(r LockReason) { yLock = r }})
	_ = x.Start(ctx)
	_ = y.Start(ctx)

	_ = x.SetAnswer("q1", domain.Single("A"))
	_ = x.SetAnswer("q3", domain.Multi("p", "q"))
	env.clock.Advance(100 * time.Second)

	if err := x.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := x.Submit(ctx); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := y.Submit(ctx); err != nil {
		t.Fatalf("teammate submit: %v", err)
	}
	if yLock != SubmittedByTeammate {
		t.Fatalf("expected teammate's losing submit surfaced as teammate lock, got %v", yLock)
	}

	subs := env.events.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(subs))
	}
	if !subs[0].Answers["q1"].Equal(domain.Single("A")) || !subs[0].Answers["q3"].Equal(domain.Multi("p", "q")) {
		t.Fatalf("final sync did not reach the submission: %v", subs[0].Answers)
	}
	if subs[0].TimeLeftSeconds != 2900 {
		t.Fatalf("expected stale local countdown clamped to the server clock, got %d", subs[0].TimeLeftSeconds)
	}
}

// flakyAPI fails the first final sync as a dropped connection would.
type flakyAPI struct {
	API
	failures int
}

func (f *flakyAPI) ReplaceAll(ctx context.Context, key domain.DocumentKey, answers map[string]domain.AnswerValue, drawings map[string]domain.Drawing, timeLeft *int) (domain.AnswerDocument, error) {
	if f.failures > 0 {
		f.failures--
		return domain.AnswerDocument{}, errors.New("connection reset")
	}
	return f.API.ReplaceAll(ctx, key, answers, drawings, timeLeft)
}

func TestSubmitWaitsForSuccessfulFinalSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	x := NewSession(&flakyAPI{API: NewLocalAPI(env.service, "x"), failures: 1}, key, Options{Clock: env.clock})
	if err := x.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = x.SetAnswer("q1", domain.Single("A"))

	if err := x.Submit(ctx); err == nil {
		t.Fatalf("expected failed final sync to be reported")
	}
	if n := len(env.events.Submissions()); n != 0 {
		t.Fatalf("expected no submission after a failed sync, got %d", n)
	}
	if submitted, _ := env.service.CheckSubmitted(ctx, "x", key); submitted {
		t.Fatalf("attempt must stay open")
	}
	if got := x.State().Locked; got != NotLocked {
		t.Fatalf("expected session to stay open, got %v", got)
	}

	if err := x.Submit(ctx); err != nil {
		t.Fatalf("retried submit: %v", err)
	}
	subs := env.events.Submissions()
	if len(subs) != 1 || !subs[0].Answers["q1"].Equal(domain.Single("A")) {
		t.Fatalf("expected the retried submit to carry the local edit, got %+v", subs)
	}
	if got := x.State().Locked; got != SubmittedHere {
		t.Fatalf("expected session locked as submitter, got %v", got)
	}
}

func TestDrawingReloadOnlyForDisplayedQuestion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	var reloaded []string
	x := env.session("x", Options{})
	y := env.session("y", Options{OnDrawingReload: func(q string, d domain.Drawing) {
		reloaded = append(reloaded, q)
		if len(d) != 1 {
			t.Errorf("expected reloaded drawing to carry one stroke, got %d", len(d))
		}
	}})
	_ = x.Start(ctx)
	_ = y.Start(ctx)
	y.SetCurrentQuestion("q2")

	_ = x.SetDrawing("q1", domain.Drawing{domain.DrawingPath(`{"d":"M0 0"}`)})
	_ = x.Flush(ctx)
	env.clock.Advance(1100 * time.Millisecond)
	_ = x.SetDrawing("q2", domain.Drawing{domain.DrawingPath(`{"d":"M5 5"}`)})
	_ = x.Flush(ctx)

	env.clock.Advance(1100 * time.Millisecond)
	_ = y.Poll(ctx)

	state := y.State()
	if len(state.Drawings["q1"]) != 1 || len(state.Drawings["q2"]) != 1 {
		t.Fatalf("expected both drawings adopted, got %v", state.Drawings)
	}
	if len(reloaded) != 1 || reloaded[0] != "q2" {
		t.Fatalf("expected reload for q2 only, got %v", reloaded)
	}

	_ = x.ClearDrawing("q2")
	_ = x.Flush(ctx)
	if _, ok := env.document(t).Drawings["q2"]; ok {
		t.Fatalf("expected q2 drawing cleared on the server")
	}
}

func TestEmptyTeammateDrawingDoesNotReload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(3000)
	reloads := 0
	x := env.session("x", Options{})
	y := env.session("y", Options{OnDrawingReload: func(string, domain.Drawing) { reloads++ }})
	_ = x.Start(ctx)
	_ = y.Start(ctx)
	y.SetCurrentQuestion("q3")

	_ = x.SetDrawing("q3", domain.Drawing{})
	if err := x.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := env.document(t).Drawings["q3"]; !ok {
		t.Fatalf("expected the empty drawing to be stored")
	}

	env.clock.Advance(1100 * time.Millisecond)
	_ = y.Poll(ctx)
	if reloads != 0 {
		t.Fatalf("an empty drawing must not trigger a reload, got %d", reloads)
	}
}

// countingAPI counts field pushes.
type countingAPI struct {
	API
	pushes atomic.Int32
}

func (c *countingAPI) ApplyFieldUpdate(ctx context.Context, key domain.DocumentKey, update domain.FieldUpdate) (domain.AnswerDocument, error) {
	c.pushes.Add(1)
	return c.API.ApplyFieldUpdate(ctx, key, update)
}

func TestRunDebouncesPushesAndAutoSubmits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := newTestEnv(3)

	ticks := make(chan int, 16)
	locked := make(chan LockReason, 1)
	api := &countingAPI{API: NewLocalAPI(env.service, "x")}
	x := NewSession(api, key, Options{
		Clock:  env.clock,
		OnTick: func(left int) { ticks <- left },
		OnLock: func(r LockReason) { locked <- r },
	})
	if err := x.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = x.SetAnswer("q1", domain.Single("A"))
	_ = x.SetAnswer("q1", domain.Single("B"))

	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	// Poll ticker, countdown ticker, and the armed debounce timer.
	if err := env.clock.BlockUntilContext(ctx, 3); err != nil {
		t.Fatalf("debounce never armed: %v", err)
	}
	env.clock.Advance(500 * time.Millisecond)
	eventually(t, func() bool {
		doc, err := env.service.Get(ctx, "x", key)
		return err == nil && doc.Answers["q1"].Equal(domain.Single("B"))
	})
	if got := api.pushes.Load(); got != 1 {
		t.Fatalf("expected one debounced push, got %d", got)
	}

	if r := countDownUntilLocked(ctx, t, env.clock, ticks, locked); r != SubmittedHere {
		t.Fatalf("expected own submit, got %v", r)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("run did not stop after submit")
	}
	subs := env.events.Submissions()
	if len(subs) != 1 || !subs[0].Answers["q1"].Equal(domain.Single("B")) {
		t.Fatalf("expected auto-submit with final answers, got %+v", subs)
	}
	if subs[0].TimeLeftSeconds != 0 {
		t.Fatalf("expected zero time left at auto-submit, got %d", subs[0].TimeLeftSeconds)
	}
}

// countDownUntilLocked advances one second at a time, waiting for each tick to be handled.
func countDownUntilLocked(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, ticks <-chan int, locked <-chan LockReason) LockReason {
	t.Helper()
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		select {
		case r := <-locked:
			return r
		case <-ticks:
		case <-ctx.Done():
			t.Fatalf("countdown stalled")
		}
	}
	select {
	case r := <-locked:
		return r
	case <-ctx.Done():
		t.Fatalf("countdown never reached zero")
	}
	return NotLocked
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
