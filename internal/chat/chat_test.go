package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/assistant/assistanttest"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/gate"
	"github.com/ashureev/showroom/internal/store"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *Service
	fake   *assistanttest.Client
	store  *store.MemoryStore
	gate   *gate.Local
	logger *slog.Logger
}

func newHarness(t *testing.T, script assistanttest.Script, tweak func(*ServiceConfig)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := ServiceConfig{
		Executor: ExecutorConfig{
			StallTimeout: 2 * time.Second,
			Retry: RetryPolicy{
				MaxAttempts:    3,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     5 * time.Millisecond,
				Multiplier:     2,
			},
			CancelTimeout: time.Second,
		},
		Logger: logger,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		fake:   assistanttest.New(script),
		store:  store.NewMemory(),
		gate:   gate.NewLocal(),
		logger: logger,
	}
	h.svc = NewService(h.store, h.gate, h.fake, assistant.DefaultActions(), cfg)
	return h
}

func (h *harness) turn(t *testing.T, sessionID, message string, sink Sink) Result {
	t.Helper()
	turn, err := h.svc.Begin(context.Background(), sessionID)
	require.NoError(t, err)
	return turn.Run(context.Background(), message, sink)
}

// recorder is a Sink that keeps every event and can fail after a number of deltas.
type recorder struct {
	mu         sync.Mutex
	events     []StreamEvent
	failAfter  int // fail on the delta after this many; 0 never fails
	deltas     int
	firstDelta chan struct{}
	once       sync.Once
}

func newRecorder() *recorder { return &recorder{firstDelta: make(chan struct{})} }

func (r *recorder) Send(_ context.Context, ev StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Kind == EventDelta {
		if r.failAfter > 0 && r.deltas >= r.failAfter {
			return errors.New("broken pipe")
		}
		r.deltas++
		r.once.Do(func() { close(r.firstDelta) })
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamEvent(nil), r.events...)
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, ev := range r.snapshot() {
		if ev.Kind == EventDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func assertGapless(t *testing.T, events []StreamEvent) {
	t.Helper()
	var want int64 = 1
	for _, ev := range events {
		if ev.Kind == EventPing {
			continue
		}
		assert.Equal(t, want, ev.Seq, "event %s out of sequence", ev.Kind)
		want++
	}
}

func transient(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrUpstreamTransient, msg)
}

func TestTurnStreamsReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return assistanttest.Reply("The Ariya ", "is fully ", "electric.")
	}, nil)
	rec := newRecorder()

	res := h.turn(t, "", "Tell me about the Ariya", rec)

	require.NoError(t, res.Err)
	assert.Equal(t, domain.RunCompleted, res.State)
	assert.Equal(t, "The Ariya is fully electric.", res.Text)
	assert.Equal(t, res.Text, rec.text())

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, EventSession, events[0].Kind)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
	for _, ev := range events {
		assert.Equal(t, res.SessionID, ev.SessionID)
	}
	assertGapless(t, events)

	sess, err := h.svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, domain.RoleUser, sess.History[0].Role)
	assert.Equal(t, "Tell me about the Ariya", sess.History[0].Content)
	assert.Equal(t, domain.RoleAssistant, sess.History[1].Role)
	assert.Equal(t, res.Text, sess.History[1].Content)
	assert.Empty(t, sess.History[1].Annotation)
	assert.Equal(t, domain.RunCompleted, sess.RunState)
	assert.False(t, h.gate.Held(res.SessionID))
}

func TestTurnReusesThreadAcrossTurns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(n int, _ string) []assistanttest.Step {
		return assistanttest.Reply(fmt.Sprintf("answer %d", n))
	}, nil)

	first := h.turn(t, "", "hello", DiscardSink{})
	require.Equal(t, domain.RunCompleted, first.State)

	turn, err := h.svc.Begin(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.False(t, turn.Created())
	second := turn.Run(context.Background(), "and again", DiscardSink{})
	require.Equal(t, domain.RunCompleted, second.State)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, h.fake.ThreadsCreated)
	assert.Equal(t, []string{"hello", "and again"}, h.fake.SubmittedTexts())

	sess, err := h.svc.History(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 4)
	assert.Equal(t, "answer 1", sess.History[3].Content)
	assert.Equal(t, "thread_1", sess.ThreadRef)
}

func TestUnknownSessionStartsNewOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("hi") }, nil)

	turn, err := h.svc.Begin(context.Background(), "01J0000000000000000000GONE")
	require.NoError(t, err)
	defer turn.Release()
	assert.True(t, turn.Created())
	assert.NotEqual(t, "01J0000000000000000000GONE", turn.SessionID())
}

func TestBeginRejectsConcurrentTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	ctx := context.Background()

	first, err := h.svc.Begin(ctx, "")
	require.NoError(t, err)

	_, err = h.svc.Begin(ctx, first.SessionID())
	require.ErrorIs(t, err, domain.ErrBusy)

	first.Release()
	again, err := h.svc.Begin(ctx, first.SessionID())
	require.NoError(t, err)
	again.Release()
}

func TestConcurrentBeginAdmitsOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("one turn admitted per session", prop.ForAll(
		func(n int) bool {
			h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
			seed, err := h.svc.Begin(context.Background(), "")
			if err != nil {
				return false
			}
			id := seed.SessionID()
			seed.Release()

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted []*Turn
				busy     int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					turn, err := h.svc.Begin(context.Background(), id)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						admitted = append(admitted, turn)
					case errors.Is(err, domain.ErrBusy):
						busy++
					}
				}()
			}
			wg.Wait()
			for _, turn := range admitted {
				turn.Release()
			}
			return len(admitted) == 1 && busy == n-1
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

func TestStalledRunFailsWithTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(n int, _ string) []assistanttest.Step {
		if n == 0 {
			return []assistanttest.Step{
				{Event: assistant.Event{Kind: assistant.EventDelta, Text: "Checking"}},
				{Hang: true},
			}
		}
		return assistanttest.Reply("fine now")
	}, func(cfg *ServiceConfig) {
		cfg.Executor.StallTimeout = 50 * time.Millisecond
	})
	rec := newRecorder()

	res := h.turn(t, "", "range?", rec)

	assert.Equal(t, domain.RunFailed, res.State)
	require.ErrorIs(t, res.Err, domain.ErrTimeout)
	assert.Equal(t, 1, h.fake.CancelCount())
	assert.False(t, h.gate.Held(res.SessionID))

	events := rec.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, "timeout", last.Code)
	assertGapless(t, events)

	sess, err := h.svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "Checking", sess.History[1].Content)
	assert.Equal(t, domain.ErrorAnnotation("timeout"), sess.History[1].Annotation)

	next := h.turn(t, res.SessionID, "again", DiscardSink{})
	assert.Equal(t, domain.RunCompleted, next.State)
}

func TestClientDisconnectCancelsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(n int, _ string) []assistanttest.Step {
		if n > 0 {
			return assistanttest.Reply("second")
		}
		steps := []assistanttest.Step{{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusInProgress}}}
		for _, part := range []string{"one ", "two ", "three ", "four ", "five"} {
			steps = append(steps, assistanttest.Step{
				Delay: 30 * time.Millisecond,
				Event: assistant.Event{Kind: assistant.EventDelta, Text: part},
			})
		}
		return append(steps, assistanttest.Step{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusCompleted}})
	}, nil)
	rec := newRecorder()
	rec.failAfter = 2

	res := h.turn(t, "", "list trims", rec)

	assert.Equal(t, domain.RunCancelled, res.State)
	require.ErrorIs(t, res.Err, domain.ErrClientDisconnected)
	assert.True(t, strings.HasPrefix(res.Text, "one two "))
	assert.NotEqual(t, "one two three four five", res.Text)
	assert.Equal(t, 1, h.fake.CancelCount())
	assert.False(t, h.gate.Held(res.SessionID))

	sess, err := h.svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, domain.AnnotationCancelled, sess.History[1].Annotation)
	assert.Equal(t, domain.RunCancelled, sess.RunState)

	next := h.turn(t, res.SessionID, "still there?", DiscardSink{})
	assert.Equal(t, domain.RunCompleted, next.State)
	assert.Equal(t, "second", next.Text)
}

func TestContextCancelDisconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return []assistanttest.Step{
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "partial"}},
			{Hang: true},
		}
	}, nil)
	rec := newRecorder()

	turn, err := h.svc.Begin(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rec.firstDelta
		cancel()
	}()
	res := turn.Run(ctx, "hi", rec)

	assert.Equal(t, domain.RunCancelled, res.State)
	assert.Equal(t, "partial", res.Text)
	assert.False(t, h.gate.Held(res.SessionID))
}

func TestResolvesSupportedAction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return []assistanttest.Step{
			{Event: assistant.Event{
				Kind:      assistant.EventStatus,
				Status:    assistant.StatusRequiresAction,
				ToolCalls: []assistant.ToolCall{{ID: "call_1", Name: "get_showroom_hours"}},
			}},
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "We open at 9."}},
			{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusCompleted, Sources: []string{"file_hours"}}},
		}
	}, nil)

	res := h.turn(t, "", "when do you open?", DiscardSink{})

	require.NoError(t, res.Err)
	assert.Equal(t, "We open at 9.", res.Text)
	assert.Equal(t, []string{"file_hours"}, res.Sources)
	outputs := h.fake.ToolOutputs("run_2")
	require.Len(t, outputs, 1)
	assert.Equal(t, "call_1", outputs[0].CallID)
	assert.Contains(t, outputs[0].Output, "Monday to Saturday")
}

func TestUnsupportedActionFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return []assistanttest.Step{
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "Let me book that"}},
			{Event: assistant.Event{
				Kind:      assistant.EventStatus,
				Status:    assistant.StatusRequiresAction,
				ToolCalls: []assistant.ToolCall{{ID: "call_9", Name: "book_test_drive"}},
			}},
		}
	}, nil)
	rec := newRecorder()

	res := h.turn(t, "", "book a test drive", rec)

	assert.Equal(t, domain.RunFailed, res.State)
	require.ErrorIs(t, res.Err, domain.ErrUnsupportedAction)
	assert.Equal(t, 1, h.fake.CancelCount())

	events := rec.snapshot()
	assert.Equal(t, "unsupported_action", events[len(events)-1].Code)

	sess, err := h.svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "Let me book that", sess.History[1].Content)
	assert.Equal(t, domain.ErrorAnnotation("unsupported_action"), sess.History[1].Annotation)
}

func TestTransientSubmitIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	h.fake.SubmitErrs = []error{transient("429"), transient("502")}

	res := h.turn(t, "", "hi", DiscardSink{})

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Text)
	assert.Len(t, h.fake.SubmittedTexts(), 1)
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("never") }, nil)
	h.fake.SubmitErrs = []error{transient("a"), transient("b"), transient("c")}
	rec := newRecorder()

	res := h.turn(t, "", "hi", rec)

	assert.Equal(t, domain.RunFailed, res.State)
	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "upstream_unavailable", rec.snapshot()[len(rec.snapshot())-1].Code)

	sess, err := h.svc.History(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1, "no assistant turn without output")
	assert.Equal(t, domain.RunFailed, sess.RunState)
}

func TestFatalSubmitNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("never") }, nil)
	h.fake.SubmitErrs = []error{fmt.Errorf("%w: invalid assistant", domain.ErrUpstreamFatal)}

	res := h.turn(t, "", "hi", DiscardSink{})

	assert.Equal(t, domain.RunFailed, res.State)
	require.ErrorIs(t, res.Err, domain.ErrUpstreamFatal)
	assert.Equal(t, "upstream_error", ErrorCode(res.Err))
}

func TestResumesAfterDroppedEventStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return []assistanttest.Step{
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "abc"}},
			{Err: transient("connection reset")},
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "def"}},
			{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusCompleted}},
		}
	}, nil)
	rec := newRecorder()

	res := h.turn(t, "", "alphabet", rec)

	require.NoError(t, res.Err)
	assert.Equal(t, "abcdef", res.Text)
	assert.Equal(t, "abcdef", rec.text())
	assertGapless(t, rec.snapshot())
}

func TestCreateThreadRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	h.fake.CreateThreadErrs = []error{transient("503")}

	res := h.turn(t, "", "hi", DiscardSink{})

	require.NoError(t, res.Err)
	assert.Equal(t, 1, h.fake.ThreadsCreated)
}

func TestDeleteDuringRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step {
		return []assistanttest.Step{
			{Event: assistant.Event{Kind: assistant.EventDelta, Text: "The Leaf"}},
			{Hang: true},
		}
	}, nil)
	rec := newRecorder()

	turn, err := h.svc.Begin(context.Background(), "")
	require.NoError(t, err)
	id := turn.SessionID()

	results := make(chan Result, 1)
	go func() { results <- turn.Run(context.Background(), "leaf range", rec) }()

	<-rec.firstDelta
	require.NoError(t, h.svc.Delete(context.Background(), id))

	res := <-results
	assert.Equal(t, domain.RunCancelled, res.State)
	require.ErrorIs(t, res.Err, domain.ErrSessionDeleted)

	_, err = h.svc.History(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, h.fake.ThreadsDeleted, assistant.ThreadRef("thread_1"))
	assert.False(t, h.gate.Held(id))

	events := rec.snapshot()
	assert.Equal(t, "cancelled", events[len(events)-1].Code)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	res := h.turn(t, "", "hi", DiscardSink{})

	require.NoError(t, h.svc.Delete(context.Background(), res.SessionID))
	require.NoError(t, h.svc.Delete(context.Background(), res.SessionID))
	assert.Len(t, h.fake.ThreadsDeleted, 1)
}

func TestDeleteAfterBeginKeepsSessionDeleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	first := h.turn(t, "", "first", DiscardSink{})
	require.Equal(t, domain.RunCompleted, first.State)
	id := first.SessionID

	turn, err := h.svc.Begin(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(context.Background(), id))

	rec := newRecorder()
	res := turn.Run(context.Background(), "second", rec)
	assert.Equal(t, domain.RunCancelled, res.State)
	require.ErrorIs(t, res.Err, domain.ErrSessionDeleted)
	assert.False(t, h.gate.Held(id))

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "cancelled", events[len(events)-1].Code)

	_, err = h.svc.History(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"first"}, h.fake.SubmittedTexts())

	third := h.turn(t, id, "third", DiscardSink{})
	assert.Equal(t, domain.RunCompleted, third.State)
	assert.NotEqual(t, id, third.SessionID)
}

func TestDeleteBeforeFirstRunCreatesNoThread(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	turn, err := h.svc.Begin(context.Background(), "")
	require.NoError(t, err)
	id := turn.SessionID()

	require.NoError(t, h.svc.Delete(context.Background(), id))
	res := turn.Run(context.Background(), "hello", DiscardSink{})
	turn.Release()

	assert.Equal(t, domain.RunCancelled, res.State)
	assert.Zero(t, h.fake.ThreadsCreated)
	_, err = h.svc.History(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLifecycleSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(int, string) []assistanttest.Step { return assistanttest.Reply("ok") }, nil)
	idle := h.turn(t, "", "hi", DiscardSink{})

	busy, err := h.svc.Begin(context.Background(), "")
	require.NoError(t, err)
	defer busy.Release()

	lc := NewLifecycle(h.store, h.fake, time.Hour, h.logger)
	var cleaned []string
	lc.OnCleanup(func(id string) { cleaned = append(cleaned, id) })

	n, err := lc.Sweep(context.Background(), time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = lc.Sweep(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{idle.SessionID}, cleaned)
	assert.Equal(t, []assistant.ThreadRef{"thread_1"}, h.fake.ThreadsDeleted)

	_, err = h.svc.History(context.Background(), idle.SessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.History(context.Background(), busy.SessionID())
	require.NoError(t, err)
}

func TestMultiplexerDropsDuplicateDeltas(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	mux := Attach("s1", rec, func(error) {}, MultiplexerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	mux.Publish(Delta{Seq: 1, Text: "a"})
	mux.Publish(Delta{Seq: 1, Text: "a"})
	mux.Publish(Delta{Seq: 2, Text: "b"})
	mux.Finish(Outcome{State: domain.RunCompleted, Text: "ab"})
	mux.Publish(Delta{Seq: 3, Text: "late"})

	require.NoError(t, mux.Run(context.Background()))

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, EventSession, events[0].Kind)
	assert.Equal(t, StreamEvent{Kind: EventDelta, Seq: 2, SessionID: "s1", Text: "ab"}, events[1])
	assert.Equal(t, EventDone, events[2].Kind)
	assert.Equal(t, int64(3), events[2].Seq)
}

func TestMultiplexerKeepalive(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	mux := Attach("s1", rec, func(error) {}, MultiplexerOptions{
		Keepalive: 10 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	time.AfterFunc(60*time.Millisecond, func() {
		mux.Finish(Outcome{State: domain.RunCompleted})
	})

	require.NoError(t, mux.Run(context.Background()))

	var pings int
	for _, ev := range rec.snapshot() {
		if ev.Kind == EventPing {
			pings++
			assert.Zero(t, ev.Seq)
		}
	}
	assert.Positive(t, pings)
	assertGapless(t, rec.snapshot())
}

func TestStreamedTextMatchesOutput(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("streamed deltas concatenate to the run output", prop.ForAll(
		func(parts []string) bool {
			h := newHarness(t, func(int, string) []assistanttest.Step {
				return assistanttest.Reply(parts...)
			}, nil)
			rec := newRecorder()
			turn, err := h.svc.Begin(context.Background(), "")
			if err != nil {
				return false
			}
			res := turn.Run(context.Background(), "q", rec)

			events := rec.snapshot()
			var want int64 = 1
			for _, ev := range events {
				if ev.Seq != want {
					return false
				}
				want++
			}
			return res.State == domain.RunCompleted &&
				res.Text == strings.Join(parts, "") &&
				rec.text() == res.Text &&
				events[len(events)-1].Kind == EventDone
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", domain.ErrTimeout, "timeout"},
		{"action", fmt.Errorf("%w: x", domain.ErrUnsupportedAction), "unsupported_action"},
		{"disconnect", domain.ErrClientDisconnected, "cancelled"},
		{"deleted", domain.ErrSessionDeleted, "cancelled"},
		{"exhausted", &ExhaustedError{Op: "submit", Attempts: 3, LastError: errors.New("x")}, "upstream_unavailable"},
		{"fatal", domain.ErrUpstreamFatal, "upstream_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestRetryBackoffBounded(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.backoff(8))
}
