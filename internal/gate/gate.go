// Package gate guarantees at most one in-flight run per session.
package gate

import (
	"context"
	"sync"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/google/uuid"
)

// Gate hands out per-session leases. Acquire never queues: a session that
// already holds a lease yields domain.ErrBusy.
type Gate interface {
	Acquire(ctx context.Context, sessionID string) (*Lease, error)
}

// Lease is proof of exclusive access to a session. Release is idempotent.
type Lease struct {
	SessionID string
	token     string
	once      sync.Once
	release   func()
}

// Token identifies this particular lease; a stale release never frees a newer lease.
func (l *Lease) Token() string { return l.token }

// Release frees the session. Calling it more than once has no further effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

func newToken() string { return uuid.NewString() }

// Local is an in-process gate.
type Local struct {
	mu   sync.Mutex
	held map[string]string // session id -> lease token
}

// NewLocal creates an in-process gate.
func NewLocal() *Local {
	return &Local{held: make(map[string]string)}
}

// Acquire implements Gate.
func (g *Local) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[sessionID]; ok {
		return nil, domain.ErrBusy
	}
	token := newToken()
	g.held[sessionID] = token

	lease := &Lease{SessionID: sessionID, token: token}
	lease.release = func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.held[sessionID] == token {
			delete(g.held, sessionID)
		}
	}
	return lease, nil
}

// Held reports whether a lease is outstanding for the session.
func (g *Local) Held(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[sessionID]
	return ok
}

var _ Gate = (*Local)(nil)
