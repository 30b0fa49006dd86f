package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/chat"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/store"
	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up stored chat sessions",
	}
	cmd.AddCommand(
		newSessionsHistoryCmd(a),
		newSessionsSweepCmd(a),
	)
	return cmd
}

func newSessionsHistoryCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st store.Store) error {
				sess, err := st.Get(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(sess)
				}

				fmt.Fprintf(out, "session %s (%s, %d turns)\n", sess.ID, sess.RunState, len(sess.History))
				for _, t := range sess.History {
					line := fmt.Sprintf("[%s] %s: %s", t.CreatedAt.Format(time.RFC3339), t.Role, t.Content)
					if t.Annotation != "" {
						line += " (" + t.Annotation + ")"
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newSessionsSweepCmd(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove sessions idle longer than the TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ttl <= 0 {
				ttl = a.cfg.SessionIdleTTL
			}
			// Remote threads are deleted when the assistant is configured.
			client, err := a.newClient()
			if err != nil {
				client = assistant.Disabled{}
			}

			return a.withStore(func(st store.Store) error {
				n, err := chat.NewLifecycle(st, client, ttl, a.logger).Sweep(cmd.Context(), time.Now())
				if err != nil {
					return fmt.Errorf("sweep sessions: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d idle sessions\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Idle time after which a session is removed (default SESSION_IDLE_TTL)")
	return cmd
}
