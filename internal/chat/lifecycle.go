package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/store"
)

const threadDeleteTimeout = 10 * time.Second

// CleanupCallback is called for every session removed by the sweeper.
type CleanupCallback func(sessionID string)

// Lifecycle evicts sessions that have been idle longer than the TTL.
// Sessions with a run in flight are never evicted.
type Lifecycle struct {
	store     store.Store
	client    assistant.Client
	idleTTL   time.Duration
	logger    *slog.Logger
	onCleanup CleanupCallback
}

// NewLifecycle creates a sweeper. client may be nil to skip remote cleanup.
func NewLifecycle(st store.Store, client assistant.Client, idleTTL time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: st, client: client, idleTTL: idleTTL, logger: logger}
}

// OnCleanup registers a callback invoked for each evicted session.
func (l *Lifecycle) OnCleanup(fn CleanupCallback) { l.onCleanup = fn }

// Sweep evicts sessions idle at now and returns how many were removed.
func (l *Lifecycle) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := l.store.Sweep(ctx, now, l.idleTTL)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	l.logger.Info("Session sweeper found idle sessions", "count", len(expired))
	for _, s := range expired {
		deleteThread(ctx, l.client, l.logger, s)
		if l.onCleanup != nil {
			l.onCleanup(s.ID)
		}
	}
	l.logger.Info("Session sweeper cleanup completed", "cleaned", len(expired))
	return len(expired), nil
}

// Start runs Sweep every interval until ctx is done.
func (l *Lifecycle) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		l.logger.Info("Session sweeper started", "interval", interval, "ttl", l.idleTTL)

		for {
			select {
			case now := <-ticker.C:
				if _, err := l.Sweep(ctx, now); err != nil {
					l.logger.Error("Session sweeper failed", "error", err)
				}
			case <-ctx.Done():
				l.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// deleteThread removes the remote thread bound to a discarded session.
// Failures are logged; the remote side expires threads on its own.
func deleteThread(ctx context.Context, client assistant.Client, logger *slog.Logger, s *domain.Session) {
	if client == nil || s.ThreadRef == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), threadDeleteTimeout)
	defer cancel()
	if err := client.DeleteThread(ctx, assistant.ThreadRef(s.ThreadRef)); err != nil {
		logger.Warn("Failed to delete remote thread",
			"session_id", s.ID,
			"thread_id", s.ThreadRef,
			"error", err)
	}
}
