package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/ces/internal/common/errors"
	"github.com/kandev/ces/internal/common/logger"
)

// newStartingSession builds a session that was registered but whose
// interpreter never launched, the state a session is in between Create
// registering it and start() finishing.
func newStartingSession(t *testing.T) *Session {
	t.Helper()
	cfg := testConfig(t, writeScript(t, stubAdapter))
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return newSession("warming", filepath.Join(cfg.Workspace.Root, "warming"), "test",
		cfg.Session, cfg.Interpreter, nil, nil, log)
}

func TestStopBeforeServeReturnsPromptly(t *testing.T) {
	s := newStartingSession(t)
	require.Equal(t, StatusStarting, s.Status())

	done := make(chan struct{})
	go func() {
		s.Stop(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop hung on a session whose serializer never started")
	}
	assert.Equal(t, StatusStopped, s.Status())
}

func TestExecuteWhileStartingRejected(t *testing.T) {
	s := newStartingSession(t)

	_, err := s.Execute("", "print(1)")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotReady, apperrors.AsAppError(err).Code)

	_, err = s.ExecuteAsync("", "print(1)")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotReady, apperrors.AsAppError(err).Code)
}
