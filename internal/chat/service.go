package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/gate"
	"github.com/ashureev/showroom/internal/store"
)

// ServiceConfig tunes the turn service.
type ServiceConfig struct {
	Executor ExecutorConfig
	// Keepalive is the idle interval between stream pings.
	Keepalive time.Duration
	// PersistTimeout bounds the final write after the client has gone.
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// Service admits and executes conversational turns.
type Service struct {
	store    store.Store
	gate     gate.Gate
	client   assistant.Client
	executor *Executor
	cfg      ServiceConfig
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun // session id -> run in flight
}

// NewService wires the orchestrator.
func NewService(st store.Store, g gate.Gate, client assistant.Client, resolver assistant.Resolver, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor.Logger == nil {
		cfg.Executor.Logger = cfg.Logger
	}
	if cfg.Executor.Retry.MaxAttempts == 0 {
		cfg.Executor.Retry = DefaultRetryPolicy()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Service{
		store:    st,
		gate:     g,
		client:   client,
		executor: NewExecutor(client, resolver, cfg.Executor),
		cfg:      cfg,
		logger:   cfg.Logger,
		active:   make(map[string]*activeRun),
	}
}

// activeRun lets Delete cancel an admitted turn and suppress its writes.
// It is registered by Begin, before the turn runs.
type activeRun struct {
	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	deleted bool
}

// attach sets the run's cancel func. It reports false if the session was
// deleted before the run started.
func (a *activeRun) attach(cancel context.CancelCauseFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return false
	}
	a.cancel = cancel
	return true
}

func (a *activeRun) markDeleted() {
	a.mu.Lock()
	a.deleted = true
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel(domain.ErrSessionDeleted)
	}
}

// write runs fn unless the session has been deleted. Delete waits for a
// write in progress before it removes the session.
func (a *activeRun) write(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return domain.ErrSessionDeleted
	}
	return fn()
}

func (s *Service) register(sessionID string, a *activeRun) {
	s.mu.Lock()
	s.active[sessionID] = a
	s.mu.Unlock()
}

func (s *Service) unregister(sessionID string, a *activeRun) {
	s.mu.Lock()
	if s.active[sessionID] == a {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
}

// Turn is an admitted turn holding the session's gate lease.
type Turn struct {
	svc     *Service
	session *domain.Session
	created bool
	lease   *gate.Lease
	active  *activeRun
	used    bool
}

// SessionID is the id the client should use for follow-up turns.
func (t *Turn) SessionID() string { return t.session.ID }

// Created reports whether the turn started a new session.
func (t *Turn) Created() bool { return t.created }

// Release frees the gate without running. It is safe to call after Run.
func (t *Turn) Release() {
	t.svc.unregister(t.session.ID, t.active)
	t.lease.Release()
}

// Begin looks up or creates the session and acquires its gate lease. It
// returns domain.ErrBusy immediately if the session already has a run.
func (s *Service) Begin(ctx context.Context, sessionID string) (*Turn, error) {
	for attempt := 0; attempt < 2; attempt++ {
		sess, created, err := s.store.GetOrCreate(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		lease, err := s.gate.Acquire(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		active := &activeRun{}
		s.register(sess.ID, active)

		// Re-read under the lease so history reflects the previous turn.
		err = s.store.MarkRunning(ctx, sess.ID, time.Now())
		if err == nil {
			sess, err = s.store.Get(ctx, sess.ID)
		}
		if errors.Is(err, domain.ErrNotFound) {
			// Swept or deleted between lookup and lease; start afresh.
			s.unregister(sess.ID, active)
			lease.Release()
			s.logger.Info("Session vanished before turn started, creating a new one", "session_id", sess.ID)
			sessionID = ""
			continue
		}
		if err != nil {
			s.unregister(sess.ID, active)
			lease.Release()
			return nil, fmt.Errorf("start turn: %w", err)
		}
		return &Turn{svc: s, session: sess, created: created, lease: lease, active: active}, nil
	}
	return nil, fmt.Errorf("start turn: %w", domain.ErrNotFound)
}

// Result is the outcome of one turn.
type Result struct {
	SessionID string
	State     domain.RunState
	Text      string
	Sources   []string
	Err       error
}

// Run executes the turn, streaming events to sink until the run ends or the
// client disconnects (ctx done or a failed Send). The run itself is detached
// from ctx: after a disconnect it is cancelled, and its partial output is
// still recorded. Run blocks until the outcome is persisted and the lease freed.
func (t *Turn) Run(ctx context.Context, message string, sink Sink) Result {
	s := t.svc
	if t.used {
		return Result{SessionID: t.session.ID, State: domain.RunFailed, Err: errors.New("turn already run")}
	}
	t.used = true

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	active := t.active
	if !active.attach(cancel) {
		cancel(domain.ErrSessionDeleted)
	}

	mux := Attach(t.session.ID, sink, cancel, MultiplexerOptions{Keepalive: s.cfg.Keepalive, Logger: s.logger})

	results := make(chan Result, 1)
	go func() {
		results <- t.execute(runCtx, message, mux, active)
	}()

	if err := mux.Run(ctx); err != nil && !mux.Disconnected() {
		s.logger.Warn("Stream writer stopped", "session_id", t.session.ID, "error", err)
	}
	return <-results
}

func (t *Turn) execute(ctx context.Context, message string, mux *Multiplexer, active *activeRun) Result {
	s := t.svc
	sess := t.session
	logger := s.logger.With("session_id", sess.ID)

	defer s.unregister(sess.ID, active)

	sess.Append(domain.Turn{Role: domain.RoleUser, Content: message, CreatedAt: time.Now()})

	var out Outcome
	if err := t.bindThread(ctx, active); err != nil {
		out = Outcome{State: domain.RunFailed, Err: err}
		if ctx.Err() != nil {
			out = Outcome{State: domain.RunCancelled, Err: context.Cause(ctx)}
		}
		logger.Warn("Failed to prepare thread", "error", err)
	} else {
		run := NewRun(sess.ID, assistant.ThreadRef(sess.ThreadRef), message)
		out = s.executor.Execute(ctx, run, mux.Publish)
	}

	t.finalize(ctx, out, active)
	t.lease.Release()
	mux.Finish(out)

	return Result{SessionID: sess.ID, State: out.State, Text: out.Text, Sources: out.Sources, Err: out.Err}
}

// bindThread creates the remote thread on the first turn and persists the
// binding together with the user turn.
func (t *Turn) bindThread(ctx context.Context, active *activeRun) error {
	s := t.svc
	sess := t.session
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	created := false
	if sess.ThreadRef == "" {
		var ref assistant.ThreadRef
		err := s.cfg.Executor.Retry.do(ctx, s.logger, "create thread", func(ctx context.Context) error {
			var err error
			ref, err = s.client.CreateThread(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		if err := sess.BindThread(string(ref)); err != nil {
			return err
		}
		created = true
		s.logger.Info("Bound session to remote thread", "session_id", sess.ID, "thread_id", ref)
	}
	err := active.write(func() error { return s.store.Persist(ctx, sess) })
	if errors.Is(err, domain.ErrSessionDeleted) {
		if created {
			deleteThread(ctx, s.client, s.logger, sess)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	return nil
}

func (t *Turn) finalize(ctx context.Context, out Outcome, active *activeRun) {
	s := t.svc
	sess := t.session
	now := time.Now()

	switch out.State {
	case domain.RunCompleted:
		sess.Append(domain.Turn{Role: domain.RoleAssistant, Content: out.Text, CreatedAt: now})
	case domain.RunFailed:
		if out.Text != "" {
			sess.Append(domain.Turn{
				Role:       domain.RoleAssistant,
				Content:    out.Text,
				Annotation: domain.ErrorAnnotation(annotationReason(out.Err)),
				CreatedAt:  now,
			})
		}
	case domain.RunCancelled:
		if out.Text != "" {
			sess.Append(domain.Turn{Role: domain.RoleAssistant, Content: out.Text, Annotation: domain.AnnotationCancelled, CreatedAt: now})
		}
	}
	sess.RunState = out.State
	sess.LastActivityAt = now

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	err := active.write(func() error { return s.store.Persist(pctx, sess) })
	switch {
	case errors.Is(err, domain.ErrSessionDeleted):
		s.logger.Info("Session deleted during run, dropping outcome", "session_id", sess.ID)
	case err != nil:
		s.logger.Error("Failed to persist turn outcome", "session_id", sess.ID, "state", out.State, "error", err)
	}
}

// History returns a snapshot of the session transcript.
func (s *Service) History(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Delete removes a session. An admitted turn is cancelled and nothing it
// produces is written back. Remote thread cleanup is best-effort.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	active := s.active[sessionID]
	s.mu.Unlock()
	if active != nil {
		active.markDeleted()
	}

	removed, err := s.store.Delete(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if removed != nil {
		s.logger.Info("Session deleted", "session_id", sessionID)
		deleteThread(ctx, s.client, s.logger, removed)
	}
	return nil
}
