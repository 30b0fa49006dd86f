package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadActions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
actions:
  get_showroom_hours:
    output: "Open daily 9-7"
  get_test_drive_slots:
    output: "Saturday 10:00, Saturday 14:00"
`), 0o600))

	a, err := LoadActions(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"get_showroom_hours", "get_test_drive_slots"}, a.Names())

	out, err := a.Resolve(context.Background(), ToolCall{ID: "call_1", Name: "get_showroom_hours"})
	require.NoError(t, err)
	assert.Equal(t, "Open daily 9-7", out)

	_, err = a.Resolve(context.Background(), ToolCall{ID: "call_2", Name: "book_service"})
	assert.True(t, errors.Is(err, domain.ErrUnsupportedAction))
}

func TestLoadActionsRejectsBadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("actions: [unterminated"), 0o600))
	_, err := LoadActions(path)
	assert.Error(t, err)
}

func TestDefaultActions(t *testing.T) {
	t.Parallel()
	out, err := DefaultActions().Resolve(context.Background(), ToolCall{Name: "get_showroom_hours"})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
