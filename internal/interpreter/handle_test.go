package interpreter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ces/internal/common/config"
	"github.com/kandev/ces/internal/common/logger"
)

const echoAdapter = `#!/bin/sh
printf '%s\n' '{"channel":"status","state":"idle"}'
while IFS= read -r line; do
  case "$line" in
    *'"op":"exec"'*)
      printf '%s\n' '{"channel":"stdout","text":"out\n"}'
      printf '%s\n' '{"channel":"execute_reply","status":"ok"}'
      ;;
    *'"op":"shutdown"'*)
      exit 0
      ;;
    *)
      printf '%s\n' '{"channel":"status","state":"idle"}'
      ;;
  esac
done
`

func startTestHandle(t *testing.T, script string) (*Handle, string) {
	t.Helper()
	workdir := t.TempDir()
	scriptPath := filepath.Join(t.TempDir(), "adapter.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	cfg := config.InterpreterConfig{
		Command:        "/bin/sh",
		Args:           []string{scriptPath},
		StartupTimeout: 10,
		KillGrace:      2,
	}
	h, err := Start(context.Background(), cfg, "test-session", workdir, log)
	require.NoError(t, err)
	t.Cleanup(func() { h.Kill(2 * time.Second) })
	return h, workdir
}

func TestStartHandshake(t *testing.T) {
	h, workdir := startTestHandle(t, echoAdapter)

	assert.Equal(t, StatusRunning, h.Status())
	assert.NotZero(t, h.PID())

	// The connection file is written before launch.
	data, err := os.ReadFile(filepath.Join(workdir, ".ces-connection.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "test-session")
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	cfg := config.InterpreterConfig{
		Command:        "/bin/false",
		StartupTimeout: 5,
		KillGrace:      1,
	}
	_, err = Start(context.Background(), cfg, "test-session", t.TempDir(), log)
	require.Error(t, err)
}

func TestSubmitAndNextEvent(t *testing.T) {
	h, _ := startTestHandle(t, echoAdapter)

	require.NoError(t, h.Submit(Exec("print(1)")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := h.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelStdout, msg.Channel)
	assert.Equal(t, "out\n", msg.Text)

	msg, err = h.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelExecuteReply, msg.Channel)
	assert.Equal(t, ReplyOK, msg.Status)
}

func TestNextEventDrainsBeforePeerGone(t *testing.T) {
	// The adapter prints one line and exits; the buffered output must be
	// delivered before the peer-gone error.
	script := `#!/bin/sh
printf '%s\n' '{"channel":"status","state":"idle"}'
printf '%s\n' '{"channel":"stdout","text":"last words\n"}'
exit 0
`
	h, _ := startTestHandle(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := h.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last words\n", msg.Text)

	_, err = h.NextEvent(ctx)
	require.ErrorIs(t, err, ErrPeerGone)
}

func TestSubmitAfterExitFails(t *testing.T) {
	h, _ := startTestHandle(t, echoAdapter)

	h.Kill(2 * time.Second)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	err := h.Submit(Exec("print(1)"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPeerGone))
}

func TestKillGracefulShutdown(t *testing.T) {
	h, _ := startTestHandle(t, echoAdapter)

	done := make(chan struct{})
	go func() {
		h.Kill(5 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("kill did not complete")
	}
	assert.Equal(t, StatusExited, h.Status())
}

func TestKillEscalatesToForceKill(t *testing.T) {
	// Ignores shutdown and keeps running until killed.
	script := `#!/bin/sh
printf '%s\n' '{"channel":"status","state":"idle"}'
trap '' TERM
while :; do sleep 1; done
`
	h, _ := startTestHandle(t, script)

	start := time.Now()
	h.Kill(500 * time.Millisecond)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StatusExited, h.Status())
}

func TestKillReturnsWhileOutputBacklogged(t *testing.T) {
	// Floods far more messages than the event queue buffers while nobody
	// consumes them, then hangs. The blocked reader must not keep Kill
	// from reaping the process.
	script := `#!/bin/sh
printf '%s\n' '{"channel":"status","state":"idle"}'
i=0
while [ $i -lt 600 ]; do
  printf '%s\n' '{"channel":"stdout","text":"flood\n"}'
  i=$((i+1))
done
sleep 60
`
	h, _ := startTestHandle(t, script)

	// Let the flood fill the event queue and block the stdout reader.
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Kill(500 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("kill hung behind the blocked output reader")
	}
	assert.Equal(t, StatusExited, h.Status())
}

func TestAwaitIdleTimesOut(t *testing.T) {
	// Announces readiness once, then goes quiet.
	h, _ := startTestHandle(t, echoAdapter)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.AwaitIdle(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
