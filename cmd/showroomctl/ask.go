package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/chat"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/gate"
	"github.com/ashureev/showroom/internal/store"
	"github.com/spf13/cobra"
)

type askOutput struct {
	SessionID string   `json:"session_id"`
	State     string   `json:"state"`
	Response  string   `json:"response"`
	Sources   []string `json:"sources,omitempty"`
	Code      string   `json:"code,omitempty"`
}

func newAskCmd(a *app) *cobra.Command {
	var (
		sessionID string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ask <message...>",
		Short: "Send one message to the assistant and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(strings.Join(args, " "))
			if message == "" {
				return fmt.Errorf("message cannot be empty")
			}
			client, err := a.newClient()
			if err != nil {
				return err
			}
			actions, err := a.actions()
			if err != nil {
				return err
			}

			return a.withStore(func(st store.Store) error {
				svc := chat.NewService(st, gate.NewLocal(), client, actions, chat.ServiceConfig{
					Executor: chat.ExecutorConfig{
						StallTimeout: a.cfg.Assistant.StallTimeout,
						Retry:        a.retryPolicy(),
					},
					Logger: a.logger,
				})

				turn, err := svc.Begin(cmd.Context(), sessionID)
				if err != nil {
					return fmt.Errorf("start turn: %w", err)
				}
				defer turn.Release()

				out := cmd.OutOrStdout()
				sink := chat.SinkFunc(func(_ context.Context, ev chat.StreamEvent) error {
					if !asJSON && ev.Kind == chat.EventDelta {
						_, err := fmt.Fprint(out, ev.Text)
						return err
					}
					return nil
				})
				res := turn.Run(cmd.Context(), message, sink)

				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(askOutput{
						SessionID: res.SessionID,
						State:     string(res.State),
						Response:  res.Text,
						Sources:   res.Sources,
						Code:      chat.ErrorCode(res.Err),
					}); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(out)
					fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.SessionID)
				}

				if res.State != domain.RunCompleted {
					return fmt.Errorf("run %s: %w", res.State, res.Err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON instead of streaming text")
	return cmd
}

func (a *app) actions() (*assistant.StaticActions, error) {
	if a.cfg.ActionsFile == "" {
		return assistant.DefaultActions(), nil
	}
	actions, err := assistant.LoadActions(a.cfg.ActionsFile)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	return actions, nil
}

func (a *app) retryPolicy() chat.RetryPolicy {
	return chat.RetryPolicy{
		MaxAttempts:    a.cfg.Retry.MaxAttempts,
		InitialBackoff: a.cfg.Retry.InitialBackoff,
		MaxBackoff:     a.cfg.Retry.MaxBackoff,
		Multiplier:     2,
		Jitter:         0.1,
	}
}
