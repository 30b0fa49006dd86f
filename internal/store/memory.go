package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/showroom/internal/domain"
)

var errHistoryShrunk = errors.New("history is append-only")

// memEntry guards one session. Operations on different sessions never share a lock.
type memEntry struct {
	mu      sync.Mutex
	session *domain.Session
	gone    bool
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	entries sync.Map // id -> *memEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) load(id string) *memEntry {
	v, ok := m.entries.Load(id)
	if !ok {
		return nil
	}
	return v.(*memEntry)
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(_ context.Context, id string) (*domain.Session, bool, error) {
	if id != "" {
		if e := m.load(id); e != nil {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.gone && e.session != nil {
				return e.session.Clone(), false, nil
			}
		}
	}

	s := domain.NewSession(NewSessionID(), m.now())
	m.entries.Store(s.ID, &memEntry{session: s.Clone()})
	return s, true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	e := m.load(id)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.session == nil {
		return nil, domain.ErrNotFound
	}
	return e.session.Clone(), nil
}

// Persist implements Store.
func (m *MemoryStore) Persist(_ context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("persist session: missing id")
	}
	for {
		v, _ := m.entries.LoadOrStore(s.ID, &memEntry{})
		e := v.(*memEntry)
		e.mu.Lock()
		if e.gone {
			// Lost a race with Delete or Sweep; retry against a fresh entry.
			e.mu.Unlock()
			m.entries.CompareAndDelete(s.ID, e)
			continue
		}
		if err := checkPersist(e.session, s); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("persist session %s: %w", s.ID, err)
		}
		next := s.Clone()
		if e.session != nil && e.session.ThreadRef != "" {
			next.ThreadRef = e.session.ThreadRef
		}
		e.session = next
		e.mu.Unlock()
		return nil
	}
}

// MarkRunning implements Store.
func (m *MemoryStore) MarkRunning(_ context.Context, id string, now time.Time) error {
	e := m.load(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.session == nil {
		return domain.ErrNotFound
	}
	e.session.RunState = domain.RunRunning
	if now.After(e.session.LastActivityAt) {
		e.session.LastActivityAt = now
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) (*domain.Session, error) {
	v, ok := m.entries.LoadAndDelete(id)
	if !ok {
		return nil, nil
	}
	e := v.(*memEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.session == nil {
		return nil, nil
	}
	e.gone = true
	removed := e.session
	e.session = nil
	return removed, nil
}

// Sweep implements Store.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time, idleTTL time.Duration) ([]*domain.Session, error) {
	var expired []*domain.Session
	m.entries.Range(func(key, value any) bool {
		e := value.(*memEntry)
		e.mu.Lock()
		if !e.gone && e.session != nil &&
			e.session.RunState != domain.RunRunning &&
			e.session.IdleSince(now, idleTTL) {
			e.gone = true
			expired = append(expired, e.session)
			e.session = nil
			m.entries.CompareAndDelete(key, e)
		}
		e.mu.Unlock()
		return true
	})
	return expired, nil
}

// ResetRunning implements Store.
func (m *MemoryStore) ResetRunning(_ context.Context) (int64, error) {
	var n int64
	m.entries.Range(func(_, value any) bool {
		e := value.(*memEntry)
		e.mu.Lock()
		if !e.gone && e.session != nil && e.session.RunState == domain.RunRunning {
			e.session.RunState = domain.RunFailed
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
