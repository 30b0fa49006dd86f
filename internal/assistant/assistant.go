// Package assistant defines the contract with the hosted LLM assistant and
// provides the OpenAI Assistants implementation.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/openai/openai-go"
)

// ThreadRef is an opaque handle to a remote conversation thread.
type ThreadRef string

// RunRef identifies one remote run.
type RunRef struct {
	ThreadID string
	RunID    string
}

// IsZero reports whether the ref has not been assigned yet.
func (r RunRef) IsZero() bool { return r.RunID == "" }

// Status is the remote run status as seen by the orchestrator.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusRequiresAction Status = "requires_action"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// Terminal reports whether no further events follow this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// EventKind discriminates Event.
type EventKind int

const (
	EventDelta EventKind = iota + 1
	EventStatus
)

// ToolCall is a function call the remote run waits on.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers a ToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// Event is one item of a run's event sequence: either a text delta or a
// status change.
type Event struct {
	Kind      EventKind
	Text      string
	Status    Status
	ToolCalls []ToolCall
	Sources   []string
	Failure   string
}

// Client is the remote assistant service.
type Client interface {
	CreateThread(ctx context.Context) (ThreadRef, error)
	DeleteThread(ctx context.Context, thread ThreadRef) error

	// SubmitRun adds the user text to the thread and starts a run. The
	// idempotency key identifies the turn: submitting the same key twice
	// returns the run created by the first call.
	SubmitRun(ctx context.Context, thread ThreadRef, text, idempotencyKey string) (RunRef, error)

	// Events yields the run's output beyond offset bytes of text, followed by
	// status changes, ending after a terminal status. The sequence is lazy,
	// finite and not restartable; re-open it with a new offset instead.
	Events(ctx context.Context, run RunRef, offset int) iter.Seq2[Event, error]

	SubmitToolOutputs(ctx context.Context, run RunRef, outputs []ToolOutput) error
	Cancel(ctx context.Context, run RunRef) error
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamFatal) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// HTTPStatusError is returned by clients that talk plain HTTP.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.StatusCode) + ": " + e.Message
}

// classify tags err as transient or fatal so callers can test with errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrUpstreamTransient) || errors.Is(err, domain.ErrUpstreamFatal) {
		return err
	}
	if IsTransient(err) {
		return errors.Join(domain.ErrUpstreamTransient, err)
	}
	return errors.Join(domain.ErrUpstreamFatal, err)
}

// ErrNotConfigured is returned by Disabled for every call.
var ErrNotConfigured = fmt.Errorf("%w: assistant not configured", domain.ErrUpstreamFatal)

// Disabled is the Client used when no assistant credentials are set. Every
// turn fails fast instead of reaching a remote service.
type Disabled struct{}

func (Disabled) CreateThread(context.Context) (ThreadRef, error) { return "", ErrNotConfigured }

func (Disabled) DeleteThread(context.Context, ThreadRef) error { return nil }

func (Disabled) Cancel(context.Context, RunRef) error { return nil }

func (Disabled) SubmitToolOutputs(context.Context, RunRef, []ToolOutput) error {
	return ErrNotConfigured
}

func (Disabled) SubmitRun(context.Context, ThreadRef, string, string) (RunRef, error) {
	return RunRef{}, ErrNotConfigured
}

func (Disabled) Events(context.Context, RunRef, int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) { yield(Event{}, ErrNotConfigured) }
}
