package execution

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/interpreter"
	"github.com/kandev/ces/internal/streaming"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

type fakeEvent struct {
	msg *interpreter.Message
	err error
}

// fakeInterp is a scripted interpreter: Submit triggers the onSubmit hook,
// which feeds canned messages into the event queue.
type fakeInterp struct {
	mu          sync.Mutex
	submitted   []interpreter.Directive
	onSubmit    func(d interpreter.Directive)
	onInterrupt func()
	events      chan fakeEvent
}

func newFakeInterp() *fakeInterp {
	return &fakeInterp{events: make(chan fakeEvent, 64)}
}

func (f *fakeInterp) push(msgs ...*interpreter.Message) {
	for _, m := range msgs {
		f.events <- fakeEvent{msg: m}
	}
}

func (f *fakeInterp) pushErr(err error) {
	f.events <- fakeEvent{err: err}
}

func (f *fakeInterp) Submit(d interpreter.Directive) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, d)
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit(d)
	}
	return nil
}

func (f *fakeInterp) NextEvent(ctx context.Context) (*interpreter.Message, error) {
	select {
	case ev := <-f.events:
		return ev.msg, ev.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeInterp) Interrupt() error {
	if f.onInterrupt != nil {
		f.onInterrupt()
	}
	return nil
}

func (f *fakeInterp) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.submitted))
	for i, d := range f.submitted {
		ops[i] = d.Op
	}
	return ops
}

func idle() *interpreter.Message {
	return &interpreter.Message{Channel: interpreter.ChannelStatus, State: interpreter.StateIdle}
}

func testEngine(t *testing.T, cfg Config) (*Engine, *streaming.Hub) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 5 * time.Second
	}
	if cfg.InterruptGrace == 0 {
		cfg.InterruptGrace = time.Second
	}
	return New(cfg, log), streaming.NewHub("exec-1", 1000, 64, log)
}

func TestExecuteSuccess(t *testing.T) {
	engine, hub := testEngine(t, Config{})
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		switch d.Op {
		case interpreter.OpPreExec:
			fi.push(idle())
		case interpreter.OpExec:
			fi.push(
				&interpreter.Message{Channel: interpreter.ChannelStdout, Text: "hello "},
				&interpreter.Message{Channel: interpreter.ChannelStdout, Text: "world\n"},
				&interpreter.Message{Channel: interpreter.ChannelExecuteReply, Status: interpreter.ReplyOK},
			)
		case interpreter.OpPostExec:
			fi.push(
				&interpreter.Message{Channel: interpreter.ChannelVariables, Variables: []v1.Variable{{Name: "x", TypeRepr: "int"}}},
				idle(),
			)
		}
	}

	sub := hub.Subscribe()
	outcome, err := engine.Execute(context.Background(), fi, hub, t.TempDir(), "exec-1", "print('hello world')", 1)
	require.NoError(t, err)

	res := outcome.Result
	assert.True(t, res.Success)
	assert.Equal(t, "hello world\n", res.Output)
	assert.Equal(t, []string{"hello ", "world\n"}, res.Stdout)
	require.Len(t, res.Variables, 1)
	assert.Equal(t, "x", res.Variables[0].Name)
	assert.False(t, outcome.PeerGone)
	assert.False(t, outcome.Unresponsive)

	assert.Equal(t, []string{interpreter.OpPreExec, interpreter.OpExec, interpreter.OpPostExec}, fi.ops())

	// The terminal event carries the assembled result.
	var last v1.OutputEvent
	for ev := range sub.Events() {
		last = ev
	}
	assert.True(t, last.Terminal)
	assert.Equal(t, v1.EventResult, last.Kind)
}

func TestExecuteUserError(t *testing.T) {
	engine, hub := testEngine(t, Config{})
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		switch d.Op {
		case interpreter.OpPreExec:
			fi.push(idle())
		case interpreter.OpExec:
			fi.push(
				&interpreter.Message{Channel: interpreter.ChannelStdout, Text: "before\n"},
				&interpreter.Message{
					Channel:   interpreter.ChannelError,
					ErrName:   "ValueError",
					ErrValue:  "boom",
					Traceback: []string{"Traceback (most recent call last):", "ValueError: boom"},
				},
				&interpreter.Message{Channel: interpreter.ChannelExecuteReply, Status: interpreter.ReplyError},
			)
		case interpreter.OpPostExec:
			fi.push(idle())
		}
	}

	outcome, err := engine.Execute(context.Background(), fi, hub, t.TempDir(), "exec-1", "raise ValueError('boom')", 1)
	require.NoError(t, err)

	res := outcome.Result
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "ValueError: boom")
	// Output summarizes the failure, stdout keeps what ran before it.
	assert.Equal(t, res.ErrorMessage, res.Output)
	assert.Equal(t, []string{"before\n"}, res.Stdout)
}

func TestExecutePeerGoneMidExecution(t *testing.T) {
	engine, hub := testEngine(t, Config{})
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		switch d.Op {
		case interpreter.OpPreExec:
			fi.push(idle())
		case interpreter.OpExec:
			fi.push(&interpreter.Message{Channel: interpreter.ChannelStdout, Text: "partial\n"})
			fi.pushErr(interpreter.ErrPeerGone)
		}
	}

	outcome, err := engine.Execute(context.Background(), fi, hub, t.TempDir(), "exec-1", "os._exit(1)", 1)
	require.NoError(t, err)

	assert.True(t, outcome.PeerGone)
	assert.False(t, outcome.Result.Success)
	assert.Contains(t, outcome.Result.ErrorMessage, "peer gone")
	// Output produced before the crash is preserved.
	assert.Equal(t, []string{"partial\n"}, outcome.Result.Stdout)
	assert.True(t, hub.Closed())
}

func TestExecuteTimeoutInterruptRecovers(t *testing.T) {
	engine, hub := testEngine(t, Config{ExecTimeout: 50 * time.Millisecond})
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		if d.Op == interpreter.OpPreExec {
			fi.push(idle())
		}
		// exec produces nothing: the code hangs.
	}
	fi.onInterrupt = func() {
		fi.push(
			&interpreter.Message{Channel: interpreter.ChannelExecuteReply, Status: interpreter.ReplyError},
		)
	}

	outcome, err := engine.Execute(context.Background(), fi, hub, t.TempDir(), "exec-1", "while True: pass", 1)
	require.NoError(t, err)

	assert.False(t, outcome.Unresponsive)
	assert.False(t, outcome.Result.Success)
	assert.Equal(t, "timeout", outcome.Result.ErrorMessage)
	assert.True(t, hub.Closed())
}

func TestExecuteTimeoutUnresponsiveInterpreter(t *testing.T) {
	engine, hub := testEngine(t, Config{
		ExecTimeout:    50 * time.Millisecond,
		InterruptGrace: 50 * time.Millisecond,
	})
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		if d.Op == interpreter.OpPreExec {
			fi.push(idle())
		}
	}
	// Interrupt is ignored entirely.

	outcome, err := engine.Execute(context.Background(), fi, hub, t.TempDir(), "exec-1", "while True: pass", 1)
	require.NoError(t, err)

	assert.True(t, outcome.Unresponsive)
	assert.Equal(t, "timeout", outcome.Result.ErrorMessage)
	assert.True(t, hub.Closed())
}

func TestExecuteDisplayPayloadWrittenAsArtifact(t *testing.T) {
	engine, hub := testEngine(t, Config{})
	cwd := t.TempDir()

	payload := []byte("\x89PNG fake image bytes")
	fi := newFakeInterp()
	fi.onSubmit = func(d interpreter.Directive) {
		switch d.Op {
		case interpreter.OpPreExec:
			fi.push(idle())
		case interpreter.OpExec:
			fi.push(
				&interpreter.Message{
					Channel:    interpreter.ChannelDisplay,
					MimeType:   "image/png",
					DataBase64: base64.StdEncoding.EncodeToString(payload),
				},
				&interpreter.Message{Channel: interpreter.ChannelExecuteReply, Status: interpreter.ReplyOK},
			)
		case interpreter.OpPostExec:
			fi.push(idle())
		}
	}

	outcome, err := engine.Execute(context.Background(), fi, hub, cwd, "exec-1", "plot()", 1)
	require.NoError(t, err)

	require.Len(t, outcome.Result.Artifacts, 1)
	art := outcome.Result.Artifacts[0]
	assert.Equal(t, "exec-1-1.png", art.FileName)
	assert.Equal(t, "image/png", art.MimeType)
	assert.Equal(t, int64(len(payload)), art.Size)

	data, err := os.ReadFile(filepath.Join(cwd, art.FileName))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestExecutePreExecBusyIsOrderingViolation(t *testing.T) {
	engine, hub := testEngine(t, Config{})
	fi := newFakeInterp()
	// pre-exec is never acknowledged: the adapter is stuck busy.

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := engine.Execute(ctx, fi, hub, t.TempDir(), "exec-1", "print(1)", 1)
	require.Error(t, err)
}

func TestInferMime(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"a":1}`), 0o644))
	assert.Equal(t, "application/json", InferMime(jsonFile))

	// Unknown extension falls back to content sniffing.
	blob := filepath.Join(dir, "page.unknownext")
	require.NoError(t, os.WriteFile(blob, []byte("<!DOCTYPE html><html></html>"), 0o644))
	assert.Contains(t, InferMime(blob), "text/html")
}

func TestExtensionForMime(t *testing.T) {
	assert.Equal(t, ".png", ExtensionForMime("image/png"))
	assert.Equal(t, ".html", ExtensionForMime("text/html"))
	assert.Equal(t, ".bin", ExtensionForMime("application/x-nonexistent"))
}
