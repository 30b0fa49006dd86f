package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/showroom/internal/domain"
)

// EventKind names an outward stream event.
type EventKind string

const (
	EventSession EventKind = "session"
	EventDelta   EventKind = "delta"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
	EventPing    EventKind = "ping"
)

// StreamEvent is one event written to a client. Every event except pings
// carries the session id and a gap-free, strictly increasing Seq.
type StreamEvent struct {
	Kind      EventKind `json:"type"`
	Seq       int64     `json:"seq,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	State     string    `json:"state,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Sink receives stream events for one client connection. Send may block
// while the client is slow; an error means the client is gone.
type Sink interface {
	Send(ctx context.Context, ev StreamEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev StreamEvent) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev StreamEvent) error { return f(ctx, ev) }

// DiscardSink drops every event.
type DiscardSink struct{}

// Send implements Sink.
func (DiscardSink) Send(context.Context, StreamEvent) error { return nil }

// MultiplexerOptions tunes a Multiplexer.
type MultiplexerOptions struct {
	// Keepalive sends a ping after this much idle time. Zero disables pings.
	Keepalive time.Duration
	Logger    *slog.Logger
}

// Multiplexer forwards one run's deltas to one client. Publish never blocks
// the executor: while the client is slow, pending deltas are concatenated
// and written as one event once the client catches up.
type Multiplexer struct {
	sessionID string
	sink      Sink
	cancelRun context.CancelCauseFunc
	opts      MultiplexerOptions

	mu      sync.Mutex
	pending strings.Builder
	lastIn  int64
	final   *Outcome

	wake chan struct{}
	done chan struct{}

	outSeq       int64
	disconnected bool
}

// Attach binds a multiplexer to a client sink. cancelRun is invoked with
// domain.ErrClientDisconnected if the client goes away before the run ends.
func Attach(sessionID string, sink Sink, cancelRun context.CancelCauseFunc, opts MultiplexerOptions) *Multiplexer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Multiplexer{
		sessionID: sessionID,
		sink:      sink,
		cancelRun: cancelRun,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Publish queues a delta. Deltas at or below the highest sequence number
// already seen are duplicates and dropped.
func (m *Multiplexer) Publish(d Delta) {
	m.mu.Lock()
	if d.Seq <= m.lastIn || m.final != nil {
		m.mu.Unlock()
		return
	}
	m.lastIn = d.Seq
	m.pending.WriteString(d.Text)
	m.mu.Unlock()
	m.signal()
}

// Finish queues the terminal sentinel. Only the first call has an effect.
func (m *Multiplexer) Finish(out Outcome) {
	m.mu.Lock()
	if m.final == nil {
		m.final = &out
	}
	m.mu.Unlock()
	m.signal()
}

// Done is closed once the writer loop has returned.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// Disconnected reports whether the writer stopped because the client left.
func (m *Multiplexer) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

func (m *Multiplexer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) take() (string, *Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.pending.String()
	m.pending.Reset()
	return text, m.final
}

// Run is the writer loop. It owns the sink and must run on the goroutine
// serving the client. It returns after the terminal event is written or the
// client disconnects.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer close(m.done)

	if err := m.send(ctx, StreamEvent{Kind: EventSession}); err != nil {
		m.disconnect(err)
		return err
	}

	var tick <-chan time.Time
	if m.opts.Keepalive > 0 {
		ticker := time.NewTicker(m.opts.Keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		text, final := m.take()
		if text != "" {
			if err := m.send(ctx, StreamEvent{Kind: EventDelta, Text: text}); err != nil {
				m.disconnect(err)
				return err
			}
		}
		if final != nil {
			if err := m.send(ctx, terminalEvent(*final)); err != nil {
				m.mu.Lock()
				m.disconnected = true
				m.mu.Unlock()
				return err
			}
			return nil
		}

		select {
		case <-ctx.Done():
			m.disconnect(ctx.Err())
			return ctx.Err()
		case <-m.wake:
		case <-tick:
			if err := m.sink.Send(ctx, StreamEvent{Kind: EventPing}); err != nil {
				m.disconnect(err)
				return err
			}
		}
	}
}

func (m *Multiplexer) send(ctx context.Context, ev StreamEvent) error {
	m.outSeq++
	ev.Seq = m.outSeq
	ev.SessionID = m.sessionID
	return m.sink.Send(ctx, ev)
}

func (m *Multiplexer) disconnect(err error) {
	m.mu.Lock()
	m.disconnected = true
	m.mu.Unlock()
	m.opts.Logger.Info("Client stream closed before run finished", "session_id", m.sessionID, "reason", err)
	m.cancelRun(domain.ErrClientDisconnected)
}

func terminalEvent(out Outcome) StreamEvent {
	switch out.State {
	case domain.RunCompleted:
		return StreamEvent{Kind: EventDone, State: string(out.State), Sources: out.Sources}
	default:
		return StreamEvent{
			Kind:  EventError,
			State: string(out.State),
			Code:  ErrorCode(out.Err),
			Error: ClientMessage(out.Err),
		}
	}
}
