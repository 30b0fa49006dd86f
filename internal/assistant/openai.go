package assistant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const turnIDKey = "turn_id"

// OpenAIConfig configures the OpenAI Assistants client.
type OpenAIConfig struct {
	APIKey      string
	AssistantID string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// PollInterval is the delay between run status polls. Defaults to 500ms.
	PollInterval time.Duration
	// RequestTimeout bounds a single API call. Defaults to 30s.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// OpenAI implements Client on top of the OpenAI Assistants (threads/runs) API.
// Run progress is observed by polling the run and the messages it produced.
type OpenAI struct {
	client      openai.Client
	assistantID string
	poll        time.Duration
	logger      *slog.Logger
}

// NewOpenAI creates an OpenAI-backed client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("openai: assistant id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.RequestTimeout),
		// Retries are owned by the run executor so the attempt budget is global.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		assistantID: cfg.AssistantID,
		poll:        cfg.PollInterval,
		logger:      cfg.Logger,
	}, nil
}

// Info describes the configured assistant.
type Info struct {
	ID           string
	Name         string
	Model        string
	Instructions string
	Tools        []string
}

// Describe fetches the configured assistant's metadata.
func (o *OpenAI) Describe(ctx context.Context) (Info, error) {
	a, err := o.client.Beta.Assistants.Get(ctx, o.assistantID)
	if err != nil {
		return Info{}, fmt.Errorf("get assistant %s: %w", o.assistantID, classify(err))
	}
	info := Info{ID: a.ID, Name: a.Name, Model: a.Model, Instructions: a.Instructions}
	for _, t := range a.Tools {
		info.Tools = append(info.Tools, t.Type)
	}
	return info, nil
}

// CreateThread implements Client.
func (o *OpenAI) CreateThread(ctx context.Context) (ThreadRef, error) {
	t, err := o.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", classify(err))
	}
	return ThreadRef(t.ID), nil
}

// DeleteThread implements Client.
func (o *OpenAI) DeleteThread(ctx context.Context, thread ThreadRef) error {
	if _, err := o.client.Beta.Threads.Delete(ctx, string(thread)); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete thread %s: %w", thread, classify(err))
	}
	return nil
}

// SubmitRun implements Client. The user message and the run are tagged with
// the idempotency key; a retry after an ambiguous failure finds and reuses them.
func (o *OpenAI) SubmitRun(ctx context.Context, thread ThreadRef, text, idempotencyKey string) (RunRef, error) {
	threadID := string(thread)

	if idempotencyKey != "" {
		ref, found, err := o.findRun(ctx, threadID, idempotencyKey)
		if err != nil {
			return RunRef{}, err
		}
		if found {
			o.logger.Info("Reusing run for resubmitted turn", "thread_id", threadID, "run_id", ref.RunID)
			return ref, nil
		}
	}

	posted := false
	if idempotencyKey != "" {
		var err error
		posted, err = o.messagePosted(ctx, threadID, idempotencyKey)
		if err != nil {
			return RunRef{}, err
		}
	}
	if !posted {
		_, err := o.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
			Role:     openai.BetaThreadMessageNewParamsRoleUser,
			Content:  openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(text)},
			Metadata: shared.Metadata{turnIDKey: idempotencyKey},
		})
		if err != nil {
			return RunRef{}, fmt.Errorf("add message: %w", classify(err))
		}
	}

	run, err := o.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: o.assistantID,
		Metadata:    shared.Metadata{turnIDKey: idempotencyKey},
	})
	if err != nil {
		return RunRef{}, fmt.Errorf("create run: %w", classify(err))
	}
	return RunRef{ThreadID: threadID, RunID: run.ID}, nil
}

func (o *OpenAI) findRun(ctx context.Context, threadID, key string) (RunRef, bool, error) {
	page, err := o.client.Beta.Threads.Runs.List(ctx, threadID, openai.BetaThreadRunListParams{
		Order: openai.BetaThreadRunListParamsOrderDesc,
		Limit: openai.Int(5),
	})
	if err != nil {
		return RunRef{}, false, fmt.Errorf("list runs: %w", classify(err))
	}
	for _, r := range page.Data {
		if r.Metadata[turnIDKey] == key {
			return RunRef{ThreadID: threadID, RunID: r.ID}, true, nil
		}
	}
	return RunRef{}, false, nil
}

func (o *OpenAI) messagePosted(ctx context.Context, threadID, key string) (bool, error) {
	page, err := o.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(5),
	})
	if err != nil {
		return false, fmt.Errorf("list messages: %w", classify(err))
	}
	for _, m := range page.Data {
		if m.Metadata[turnIDKey] == key {
			return true, nil
		}
	}
	return false, nil
}

// Events implements Client by polling the run and the messages attached to it.
func (o *OpenAI) Events(ctx context.Context, ref RunRef, offset int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		emitted := offset
		var seen string
		lastSig := ""

		for {
			run, err := o.client.Beta.Threads.Runs.Get(ctx, ref.ThreadID, ref.RunID)
			if err != nil {
				yield(Event{}, fmt.Errorf("get run %s: %w", ref.RunID, classify(err)))
				return
			}

			text, sources, err := o.runOutput(ctx, ref)
			if err != nil {
				yield(Event{}, err)
				return
			}
			switch {
			case len(text) <= emitted:
			case seen != "" && !strings.HasPrefix(text, seen):
				o.logger.Warn("Run output rewritten remotely, ignoring", "run_id", ref.RunID)
			default:
				if !yield(Event{Kind: EventDelta, Text: text[emitted:]}, nil) {
					return
				}
				emitted = len(text)
				seen = text
			}

			ev := statusEvent(run)
			ev.Sources = sources
			if sig := signature(ev); sig != lastSig {
				lastSig = sig
				if !yield(ev, nil) {
					return
				}
			}
			if ev.Status.Terminal() {
				return
			}

			select {
			case <-ctx.Done():
				yield(Event{}, ctx.Err())
				return
			case <-time.After(o.poll):
			}
		}
	}
}

func statusEvent(run *openai.Run) Event {
	ev := Event{Kind: EventStatus, Status: mapStatus(run.Status)}
	switch ev.Status {
	case StatusRequiresAction:
		for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			ev.ToolCalls = append(ev.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
	case StatusFailed:
		ev.Failure = strings.TrimSpace(run.LastError.Code + " " + run.LastError.Message)
		if ev.Failure == "" {
			ev.Failure = "run failed"
		}
	case StatusExpired:
		ev.Failure = "run expired"
	}
	if run.Status == openai.RunStatusIncomplete {
		ev.Failure = "run incomplete: " + run.IncompleteDetails.Reason
	}
	return ev
}

func signature(ev Event) string {
	var b strings.Builder
	b.WriteString(string(ev.Status))
	for _, tc := range ev.ToolCalls {
		b.WriteByte('|')
		b.WriteString(tc.ID)
	}
	return b.String()
}

func mapStatus(s openai.RunStatus) Status {
	switch s {
	case openai.RunStatusQueued:
		return StatusQueued
	case openai.RunStatusInProgress, openai.RunStatusCancelling:
		return StatusInProgress
	case openai.RunStatusRequiresAction:
		return StatusRequiresAction
	case openai.RunStatusCompleted:
		return StatusCompleted
	case openai.RunStatusCancelled:
		return StatusCancelled
	case openai.RunStatusExpired:
		return StatusExpired
	default:
		return StatusFailed
	}
}

// runOutput concatenates the text of every assistant message the run produced.
func (o *OpenAI) runOutput(ctx context.Context, ref RunRef) (string, []string, error) {
	page, err := o.client.Beta.Threads.Messages.List(ctx, ref.ThreadID, openai.BetaThreadMessageListParams{
		RunID: openai.String(ref.RunID),
		Order: openai.BetaThreadMessageListParamsOrderAsc,
		Limit: openai.Int(100),
	})
	if err != nil {
		return "", nil, fmt.Errorf("list run messages: %w", classify(err))
	}

	var text strings.Builder
	var sources []string
	for _, m := range page.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, c := range m.Content {
			if c.Type != "text" {
				continue
			}
			text.WriteString(c.Text.Value)
			for _, a := range c.Text.Annotations {
				if a.Type == "file_citation" && a.FileCitation.FileID != "" && !slices.Contains(sources, a.FileCitation.FileID) {
					sources = append(sources, a.FileCitation.FileID)
				}
			}
		}
	}
	return text.String(), sources, nil
}

// SubmitToolOutputs implements Client.
func (o *OpenAI) SubmitToolOutputs(ctx context.Context, ref RunRef, outputs []ToolOutput) error {
	params := openai.BetaThreadRunSubmitToolOutputsParams{}
	for _, out := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(out.CallID),
			Output:     openai.String(out.Output),
		})
	}
	if _, err := o.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, ref.ThreadID, ref.RunID, params); err != nil {
		return fmt.Errorf("submit tool outputs: %w", classify(err))
	}
	return nil
}

// Cancel implements Client.
func (o *OpenAI) Cancel(ctx context.Context, ref RunRef) error {
	if _, err := o.client.Beta.Threads.Runs.Cancel(ctx, ref.ThreadID, ref.RunID); err != nil {
		return fmt.Errorf("cancel run %s: %w", ref.RunID, classify(err))
	}
	return nil
}

var _ Client = (*OpenAI)(nil)
