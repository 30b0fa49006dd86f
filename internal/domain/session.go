// Package domain holds the conversation types shared by the store, the
// orchestrator and the HTTP layer.
package domain

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RunState is the persisted state of the most recent run of a session.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// AnnotationCancelled marks the partial output of a run cut short by the client.
const AnnotationCancelled = "cancelled"

// ErrorAnnotation builds the annotation stored with the partial output of a failed run.
func ErrorAnnotation(reason string) string {
	return "error: " + reason
}

// Turn is one entry of a session transcript.
type Turn struct {
	Role       Role
	Content    string
	Annotation string
	CreatedAt  time.Time
}

// Session is a persisted conversation identity spanning multiple turns.
type Session struct {
	ID             string
	ThreadRef      string
	History        []Turn
	RunState       RunState
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// NewSession returns an idle session with no remote thread.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:             id,
		RunState:       RunIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// BindThread records the remote thread handle. A session is bound at most once.
func (s *Session) BindThread(ref string) error {
	if ref == "" {
		return fmt.Errorf("bind thread for session %s: empty thread ref", s.ID)
	}
	if s.ThreadRef != "" && s.ThreadRef != ref {
		return fmt.Errorf("session %s: %w", s.ID, ErrThreadBound)
	}
	s.ThreadRef = ref
	return nil
}

// Append adds a turn to the transcript and bumps the activity timestamp.
func (s *Session) Append(t Turn) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.History = append(s.History, t)
	if t.CreatedAt.After(s.LastActivityAt) {
		s.LastActivityAt = t.CreatedAt
	}
}

// Clone returns a deep copy whose history shares no backing array with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.History != nil {
		cp.History = make([]Turn, len(s.History))
		copy(cp.History, s.History)
	}
	return &cp
}

// IdleSince reports whether the session has been inactive for at least ttl at now.
func (s *Session) IdleSince(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivityAt) >= ttl
}
