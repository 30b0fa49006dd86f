// Package assistanttest provides a scriptable in-memory assistant.Client.
package assistanttest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
)

// Step is one scripted event of a run. A zero Delay emits immediately.
type Step struct {
	Delay time.Duration
	Event assistant.Event
	// Err, when set, is yielded instead of Event and ends the sequence.
	Err error
	// Hang blocks until the context is cancelled.
	Hang bool
}

// Script builds the steps for the nth submitted run (0-based).
type Script func(n int, text string) []Step

// Reply scripts a run that streams the given deltas and completes.
func Reply(deltas ...string) []Step {
	steps := []Step{{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusInProgress}}}
	for _, d := range deltas {
		steps = append(steps, Step{Event: assistant.Event{Kind: assistant.EventDelta, Text: d}})
	}
	return append(steps, Step{Event: assistant.Event{Kind: assistant.EventStatus, Status: assistant.StatusCompleted}})
}

type run struct {
	ref       assistant.RunRef
	steps     []Step
	cancelled bool
	outputs   []assistant.ToolOutput
	pos       int // bytes of delta text consumed across every Events call
}

// Client is a fake assistant.Client.
type Client struct {
	mu      sync.Mutex
	script  Script
	threads map[assistant.ThreadRef]bool
	runs    map[string]*run
	keys    map[string]assistant.RunRef
	nextID  int

	ThreadsCreated int
	ThreadsDeleted []assistant.ThreadRef
	Cancelled      []assistant.RunRef
	Submitted      []string
	// SubmitErrs are returned, in order, by the next SubmitRun calls.
	SubmitErrs []error
	// CreateThreadErrs are returned, in order, by the next CreateThread calls.
	CreateThreadErrs []error
}

// New creates a fake driven by script.
func New(script Script) *Client {
	return &Client{
		script:  script,
		threads: make(map[assistant.ThreadRef]bool),
		runs:    make(map[string]*run),
		keys:    make(map[string]assistant.RunRef),
	}
}

// CreateThread implements assistant.Client.
func (c *Client) CreateThread(_ context.Context) (assistant.ThreadRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.CreateThreadErrs) > 0 {
		err := c.CreateThreadErrs[0]
		c.CreateThreadErrs = c.CreateThreadErrs[1:]
		if err != nil {
			return "", err
		}
	}
	c.nextID++
	ref := assistant.ThreadRef(fmt.Sprintf("thread_%d", c.nextID))
	c.threads[ref] = true
	c.ThreadsCreated++
	return ref, nil
}

// DeleteThread implements assistant.Client.
func (c *Client) DeleteThread(_ context.Context, thread assistant.ThreadRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, thread)
	c.ThreadsDeleted = append(c.ThreadsDeleted, thread)
	return nil
}

// SubmitRun implements assistant.Client.
func (c *Client) SubmitRun(_ context.Context, thread assistant.ThreadRef, text, key string) (assistant.RunRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SubmitErrs) > 0 {
		err := c.SubmitErrs[0]
		c.SubmitErrs = c.SubmitErrs[1:]
		if err != nil {
			return assistant.RunRef{}, err
		}
	}
	if !c.threads[thread] {
		return assistant.RunRef{}, fmt.Errorf("unknown thread %s", thread)
	}
	if ref, ok := c.keys[key]; ok && key != "" {
		return ref, nil
	}
	n := len(c.Submitted)
	c.Submitted = append(c.Submitted, text)
	c.nextID++
	ref := assistant.RunRef{ThreadID: string(thread), RunID: fmt.Sprintf("run_%d", c.nextID)}
	c.runs[ref.RunID] = &run{ref: ref, steps: c.script(n, text)}
	c.keys[key] = ref
	return ref, nil
}

// Events implements assistant.Client. Deltas before offset bytes are skipped,
// mirroring a polling client resuming after a dropped connection.
func (c *Client) Events(ctx context.Context, ref assistant.RunRef, offset int) iter.Seq2[assistant.Event, error] {
	return func(yield func(assistant.Event, error) bool) {
		c.mu.Lock()
		r, ok := c.runs[ref.RunID]
		c.mu.Unlock()
		if !ok {
			yield(assistant.Event{}, fmt.Errorf("unknown run %s", ref.RunID))
			return
		}

		for {
			c.mu.Lock()
			if len(r.steps) == 0 {
				c.mu.Unlock()
				return
			}
			step := r.steps[0]
			c.mu.Unlock()

			if step.Hang {
				<-ctx.Done()
				yield(assistant.Event{}, ctx.Err())
				return
			}
			if step.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(assistant.Event{}, ctx.Err())
					return
				case <-time.After(step.Delay):
				}
			}

			c.mu.Lock()
			r.steps = r.steps[1:]
			c.mu.Unlock()

			if step.Err != nil {
				yield(assistant.Event{}, step.Err)
				return
			}
			ev := step.Event
			if ev.Kind == assistant.EventDelta {
				c.mu.Lock()
				pos := r.pos
				r.pos += len(ev.Text)
				c.mu.Unlock()
				end := pos + len(ev.Text)
				if end <= offset {
					continue
				}
				if pos < offset {
					ev.Text = ev.Text[offset-pos:]
				}
			}
			if !yield(ev, nil) {
				return
			}
			if ev.Kind == assistant.EventStatus && ev.Status.Terminal() {
				return
			}
		}
	}
}

// SubmitToolOutputs implements assistant.Client.
func (c *Client) SubmitToolOutputs(_ context.Context, ref assistant.RunRef, outputs []assistant.ToolOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[ref.RunID]
	if !ok {
		return fmt.Errorf("unknown run %s", ref.RunID)
	}
	r.outputs = append(r.outputs, outputs...)
	return nil
}

// Cancel implements assistant.Client.
func (c *Client) Cancel(_ context.Context, ref assistant.RunRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[ref.RunID]; ok {
		r.cancelled = true
	}
	c.Cancelled = append(c.Cancelled, ref)
	return nil
}

// ToolOutputs returns the outputs submitted for a run.
func (c *Client) ToolOutputs(runID string) []assistant.ToolOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[runID]; ok {
		return append([]assistant.ToolOutput(nil), r.outputs...)
	}
	return nil
}

// CancelCount returns how many cancel requests were received.
func (c *Client) CancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Cancelled)
}

// Threads returns the number of live threads.
func (c *Client) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads)
}

// SubmittedTexts returns a copy of every text that started a run.
func (c *Client) SubmittedTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Submitted...)
}

var _ assistant.Client = (*Client)(nil)
