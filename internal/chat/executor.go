// Package chat orchestrates conversational turns: it admits a turn through the
// run gate, drives the remote assistant run, streams its output to the client
// and records the outcome in the session transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunStatus is the lifecycle of a single run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// Run is one execution of the remote assistant against one user turn. It is
// owned by the goroutine executing it and discarded once terminal.
type Run struct {
	ID        string
	SessionID string
	Thread    assistant.ThreadRef
	Input     string
	Remote    assistant.RunRef
	Status    RunStatus
	StartedAt time.Time

	output         strings.Builder
	sources        []string
	seq            int64
	remoteTerminal bool
}

// NewRun creates a queued run for the given turn.
func NewRun(sessionID string, thread assistant.ThreadRef, input string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Thread:    thread,
		Input:     input,
		Status:    RunQueued,
		StartedAt: time.Now(),
	}
}

// Output returns the text accumulated so far.
func (r *Run) Output() string { return r.output.String() }

// Delta is an increment of run output, numbered from 1 in generation order.
type Delta struct {
	Seq  int64
	Text string
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State   domain.RunState
	Text    string
	Sources []string
	Err     error
}

// ExecutorConfig tunes the run executor.
type ExecutorConfig struct {
	// StallTimeout fails a run that produced no event for this long.
	StallTimeout time.Duration
	Retry        RetryPolicy
	// CancelTimeout bounds the best-effort remote cancel.
	CancelTimeout time.Duration
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// Executor drives remote runs to a terminal state.
type Executor struct {
	client   assistant.Client
	resolver assistant.Resolver
	cfg      ExecutorConfig
}

// NewExecutor creates an executor. A nil resolver rejects every tool call.
func NewExecutor(client assistant.Client, resolver assistant.Resolver, cfg ExecutorConfig) *Executor {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 45 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/ashureev/showroom/internal/chat")
	}
	return &Executor{client: client, resolver: resolver, cfg: cfg}
}

// Execute submits the run and follows it to a terminal state, calling publish
// for every output delta. Cancelling ctx cancels the run; a context.Cause of
// domain.ErrTimeout is reported as a failure instead.
func (e *Executor) Execute(ctx context.Context, run *Run, publish func(Delta)) Outcome {
	ctx, span := e.cfg.Tracer.Start(ctx, "chat.run",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chat.session_id", run.SessionID),
			attribute.String("chat.run_id", run.ID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := time.AfterFunc(e.cfg.StallTimeout, func() { cancel(domain.ErrTimeout) })
	defer watchdog.Stop()
	progress := func() {
		if ctx.Err() == nil {
			watchdog.Reset(e.cfg.StallTimeout)
		}
	}

	err := e.drive(ctx, run, publish, progress)
	watchdog.Stop()
	out := e.settle(ctx, run, err)

	span.SetAttributes(
		attribute.String("chat.remote_run_id", run.Remote.RunID),
		attribute.String("chat.state", string(out.State)),
		attribute.Int("chat.output_bytes", len(out.Text)),
	)
	if out.Err != nil && out.State == domain.RunFailed {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "run failed")
	}
	return out
}

func (e *Executor) drive(ctx context.Context, run *Run, publish func(Delta), progress func()) error {
	logger := e.cfg.Logger.With("session_id", run.SessionID, "run_id", run.ID)

	// The run id doubles as the idempotency key, so a retried submit never
	// starts a second remote run for the same turn.
	err := e.cfg.Retry.do(ctx, logger, "submit run", func(ctx context.Context) error {
		ref, err := e.client.SubmitRun(ctx, run.Thread, run.Input, run.ID)
		if err != nil {
			return err
		}
		run.Remote = ref
		return nil
	})
	if err != nil {
		return err
	}
	run.Status = RunInProgress
	progress()
	logger.Info("Run submitted", "remote_run_id", run.Remote.RunID)

	limit := e.cfg.Retry.attempts()
	for attempt := 1; ; attempt++ {
		done, err := e.follow(ctx, run, publish, progress)
		if done {
			return err
		}
		if err == nil {
			err = fmt.Errorf("%w: event stream ended before the run finished", domain.ErrUpstreamTransient)
		}
		if !assistant.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= limit {
			return &ExhaustedError{Op: "follow run", Attempts: attempt, LastError: err}
		}
		logger.Warn("Run event stream interrupted, resuming", "attempt", attempt, "offset", run.output.Len(), "error", err)
		if werr := e.cfg.Retry.wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}

// follow consumes one event sequence. done reports that the run reached a
// terminal state (or a permanent error); otherwise the sequence may be re-opened.
func (e *Executor) follow(ctx context.Context, run *Run, publish func(Delta), progress func()) (done bool, err error) {
	for ev, err := range e.client.Events(ctx, run.Remote, run.output.Len()) {
		if err != nil {
			return false, err
		}
		progress()

		switch ev.Kind {
		case assistant.EventDelta:
			if ev.Text == "" {
				continue
			}
			run.output.WriteString(ev.Text)
			run.seq++
			publish(Delta{Seq: run.seq, Text: ev.Text})

		case assistant.EventStatus:
			if len(ev.Sources) > 0 {
				run.sources = ev.Sources
			}
			switch ev.Status {
			case assistant.StatusQueued, assistant.StatusInProgress:
				run.Status = RunInProgress
			case assistant.StatusRequiresAction:
				run.Status = RunRequiresAction
				if err := e.resolveActions(ctx, run, ev.ToolCalls); err != nil {
					return true, err
				}
				run.Status = RunInProgress
				progress()
			case assistant.StatusCompleted:
				run.remoteTerminal = true
				return true, nil
			case assistant.StatusCancelled:
				run.remoteTerminal = true
				return true, fmt.Errorf("%w: run cancelled remotely", domain.ErrUpstreamFatal)
			default:
				run.remoteTerminal = true
				reason := ev.Failure
				if reason == "" {
					reason = string(ev.Status)
				}
				return true, fmt.Errorf("%w: %s", domain.ErrUpstreamFatal, reason)
			}
		}
	}
	return false, nil
}

func (e *Executor) resolveActions(ctx context.Context, run *Run, calls []assistant.ToolCall) error {
	if len(calls) == 0 {
		return fmt.Errorf("%w: run requires action without tool calls", domain.ErrUnsupportedAction)
	}
	if e.resolver == nil {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedAction, calls[0].Name)
	}
	outputs := make([]assistant.ToolOutput, 0, len(calls))
	for _, call := range calls {
		out, err := e.resolver.Resolve(ctx, call)
		if err != nil {
			return err
		}
		outputs = append(outputs, assistant.ToolOutput{CallID: call.ID, Output: out})
	}
	e.cfg.Logger.Info("Resolved run actions", "session_id", run.SessionID, "run_id", run.ID, "count", len(outputs))
	return e.cfg.Retry.do(ctx, e.cfg.Logger, "submit tool outputs", func(ctx context.Context) error {
		return e.client.SubmitToolOutputs(ctx, run.Remote, outputs)
	})
}

// settle maps the drive result onto a terminal state and cancels the remote
// run if it may still be going.
func (e *Executor) settle(ctx context.Context, run *Run, err error) Outcome {
	out := Outcome{Text: run.Output(), Sources: run.sources}
	logger := e.cfg.Logger.With("session_id", run.SessionID, "run_id", run.ID, "remote_run_id", run.Remote.RunID)

	switch {
	case err == nil:
		run.Status = RunCompleted
		out.State = domain.RunCompleted
		logger.Info("Run completed", "output_bytes", len(out.Text))
		return out
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		if errors.Is(cause, domain.ErrTimeout) {
			run.Status = RunFailed
			out.State = domain.RunFailed
			out.Err = domain.ErrTimeout
			logger.Warn("Run stalled, failing", "stall_timeout", e.cfg.StallTimeout)
		} else {
			run.Status = RunCancelled
			out.State = domain.RunCancelled
			out.Err = cause
			logger.Info("Run cancelled", "cause", cause)
		}
	default:
		run.Status = RunFailed
		out.State = domain.RunFailed
		out.Err = err
		logger.Warn("Run failed", "error", err)
	}

	if !run.Remote.IsZero() && !run.remoteTerminal {
		e.cancelRemote(ctx, run)
	}
	return out
}

func (e *Executor) cancelRemote(ctx context.Context, run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	if err := e.client.Cancel(ctx, run.Remote); err != nil {
		e.cfg.Logger.Warn("Failed to cancel remote run", "session_id", run.SessionID, "remote_run_id", run.Remote.RunID, "error", err)
	}
}
