// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Store persists sessions and their transcripts.
//
// Every returned *domain.Session is a private copy; callers mutate it freely
// and write it back with Persist.
type Store interface {
	// GetOrCreate returns the session with the given id. An empty or unknown id
	// allocates and persists a new session with a fresh id; created reports that.
	GetOrCreate(ctx context.Context, id string) (s *domain.Session, created bool, err error)

	// Get is a strict lookup returning domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Persist upserts a session. Stored turns and a stored thread ref are never
	// rewritten: history only grows and the thread ref is bound once.
	Persist(ctx context.Context, s *domain.Session) error

	// MarkRunning atomically flags the session as running and bumps its
	// activity timestamp. Returns domain.ErrNotFound if the session is gone.
	MarkRunning(ctx context.Context, id string, now time.Time) error

	// Delete removes the session and returns what was removed, or nil if
	// nothing existed. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) (*domain.Session, error)

	// Sweep removes and returns sessions idle for at least idleTTL at now.
	// Sessions in the running state are never swept.
	Sweep(ctx context.Context, now time.Time, idleTTL time.Duration) ([]*domain.Session, error)

	// ResetRunning marks sessions left running by a previous process as failed.
	ResetRunning(ctx context.Context) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Open creates the store named by backend: "sqlite" (at dbPath) or "memory".
func Open(backend, dbPath string) (Store, error) {
	switch backend {
	case "sqlite":
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", backend)
	}
}

// NewSessionID returns a fresh, lexically sortable session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}

func checkPersist(stored, incoming *domain.Session) error {
	if stored == nil {
		return nil
	}
	if stored.ThreadRef != "" && incoming.ThreadRef != "" && stored.ThreadRef != incoming.ThreadRef {
		return domain.ErrThreadBound
	}
	if len(incoming.History) < len(stored.History) {
		return errHistoryShrunk
	}
	return nil
}
