package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/config"
	"github.com/ashureev/showroom/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var errAssistantNotConfigured = errors.New("assistant not configured: set OPENAI_API_KEY and OPENAI_ASSISTANT_ID")

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	openStore func() (store.Store, error)
	newClient func() (assistant.Client, error)
	describe  func(cmd *cobra.Command) (assistant.Info, error)
}

func execute() error {
	return newRootCmd(wireApp).Execute()
}

func newRootCmd(wire func() (*app, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "showroomctl",
		Short:         "Operate the showroom concierge: ask questions, inspect the assistant and sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	a, err := wire()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newAskCmd(a),
		newAssistantCmd(a),
		newSessionsCmd(a),
	)
	return rootCmd
}

func wireApp() (*app, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := slog.LevelWarn
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	openAI := func() (*assistant.OpenAI, error) {
		if !cfg.AssistantConfigured() {
			return nil, errAssistantNotConfigured
		}
		return assistant.NewOpenAI(assistant.OpenAIConfig{
			APIKey:       cfg.Assistant.APIKey,
			AssistantID:  cfg.Assistant.AssistantID,
			BaseURL:      cfg.Assistant.BaseURL,
			PollInterval: cfg.Assistant.PollInterval,
			Logger:       logger,
		})
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		openStore: func() (store.Store, error) {
			return store.Open(cfg.SessionStore, cfg.DBPath)
		},
		newClient: func() (assistant.Client, error) {
			c, err := openAI()
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		describe: func(cmd *cobra.Command) (assistant.Info, error) {
			c, err := openAI()
			if err != nil {
				return assistant.Info{}, err
			}
			return c.Describe(cmd.Context())
		},
	}, nil
}

// withStore opens the session store for the duration of fn.
func (a *app) withStore(fn func(st store.Store) error) error {
	st, err := a.openStore()
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			a.logger.Error("Failed to close session store", "error", closeErr)
		}
	}()
	return fn(st)
}
