package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindThreadOnce(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", time.Now())
	require.NoError(t, s.BindThread("thread_a"))
	require.NoError(t, s.BindThread("thread_a"), "rebinding the same ref is a no-op")

	err := s.BindThread("thread_b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrThreadBound))
	assert.Equal(t, "thread_a", s.ThreadRef)

	assert.Error(t, NewSession("s2", time.Now()).BindThread(""))
}

func TestAppendBumpsActivity(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewSession("s1", start)
	s.Append(Turn{Role: RoleUser, Content: "hi", CreatedAt: start.Add(time.Minute)})

	require.Len(t, s.History, 1)
	assert.Equal(t, start.Add(time.Minute), s.LastActivityAt)
	assert.True(t, s.IdleSince(start.Add(31*time.Minute), 30*time.Minute))
	assert.False(t, s.IdleSince(start.Add(2*time.Minute), 30*time.Minute))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", time.Now())
	s.Append(Turn{Role: RoleUser, Content: "one"})
	cp := s.Clone()
	s.Append(Turn{Role: RoleAssistant, Content: "two"})
	s.History[0].Content = "mutated"

	require.Len(t, cp.History, 1)
	assert.Equal(t, "one", cp.History[0].Content)
}
