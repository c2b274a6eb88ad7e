// Package interpreter supervises one interpreter subprocess per session
// and speaks the control protocol over its stdin/stdout pipes.
package interpreter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/config"
	"github.com/kandev/ces/internal/common/logger"
)

// Status represents the interpreter process status
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// ErrPeerGone is returned once the interpreter process has exited; every
// subsequent operation on the handle fails fast with it.
var ErrPeerGone = errors.New("interpreter peer gone")

// maxLineSize bounds a single interpreter output line (1 MiB).
const maxLineSize = 1 << 20

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// ConnectionInfo describes the metadata file handed to the interpreter at launch.
type ConnectionInfo struct {
	SessionID string    `json:"session_id"`
	Workdir   string    `json:"workdir"`
	StartedAt time.Time `json:"started_at"`
}

// Handle owns one interpreter subprocess: its pipes, its decoded output
// stream, and its exit state. A Handle is exclusively owned by a Session.
type Handle struct {
	logger *logger.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writeMu  sync.Mutex
	connFile string

	events chan *Message
	quit   chan struct{}

	status  atomic.Value // Status
	exitErr atomic.Value // errorWrapper

	doneCh   chan struct{}
	readerWG sync.WaitGroup
	killOnce sync.Once
}

// Start launches the interpreter with its working directory set to the
// session cwd and waits for the readiness handshake (the first idle status
// message) within cfg.StartupTimeout. A handle is returned only when the
// interpreter is ready to accept directives.
func Start(ctx context.Context, cfg config.InterpreterConfig, sessionID, workdir string, log *logger.Logger) (*Handle, error) {
	h := &Handle{
		logger: log.WithFields(zap.String("component", "interpreter")).WithSessionID(sessionID),
		events: make(chan *Message, 256),
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	h.status.Store(StatusStarting)

	connFile, err := writeConnectionFile(sessionID, workdir)
	if err != nil {
		return nil, fmt.Errorf("failed to write connection file: %w", err)
	}
	h.connFile = connFile

	args := append(append([]string{}, cfg.Args...), "--connection-file", connFile)

	// NOTE: not exec.CommandContext; the interpreter must outlive the HTTP
	// request that created the session.
	h.cmd = exec.Command(cfg.Command, args...)
	h.cmd.Dir = workdir

	h.stdin, err = h.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := h.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start interpreter: %w", err)
	}

	h.logger.Info("interpreter process started",
		zap.Int("pid", h.cmd.Process.Pid),
		zap.String("command", cfg.Command))

	h.readerWG.Add(2)
	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go h.waitForExit()

	// Readiness handshake: the adapter announces itself with a status-idle
	// message once its bootstrap has run.
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeoutDuration())
	defer cancel()
	if err := h.AwaitIdle(handshakeCtx); err != nil {
		h.Kill(cfg.KillGraceDuration())
		return nil, fmt.Errorf("interpreter did not become ready: %w", err)
	}

	h.status.Store(StatusRunning)
	return h, nil
}

// writeConnectionFile persists launch metadata next to the session cwd so
// the adapter can identify its session without parsing argv.
func writeConnectionFile(sessionID, workdir string) (string, error) {
	info := ConnectionInfo{
		SessionID: sessionID,
		Workdir:   workdir,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	path := filepath.Join(workdir, ".ces-connection.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Status returns the current process status.
func (h *Handle) Status() Status {
	return h.status.Load().(Status)
}

// PID returns the interpreter process id, or 0 before start.
func (h *Handle) PID() int {
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// ConnectionFile returns the path of the launch metadata file.
func (h *Handle) ConnectionFile() string {
	return h.connFile
}

// Done is closed once the interpreter process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// ExitErr returns the process exit error, if any, once Done is closed.
func (h *Handle) ExitErr() error {
	if v := h.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Submit writes one tagged directive line to the interpreter's stdin.
func (h *Handle) Submit(d Directive) error {
	if h.Status() == StatusExited {
		return ErrPeerGone
	}
	line, err := EncodeDirective(d)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

// NextEvent returns the next decoded output message. It fails with the
// context error on deadline and with ErrPeerGone once the process has
// exited and all buffered output has been drained.
func (h *Handle) NextEvent(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-h.events:
		if !ok {
			return nil, ErrPeerGone
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitIdle consumes output messages until an idle status arrives,
// discarding everything else.
func (h *Handle) AwaitIdle(ctx context.Context) error {
	for {
		msg, err := h.NextEvent(ctx)
		if err != nil {
			return err
		}
		if msg.Channel == ChannelStatus && msg.State == StateIdle {
			return nil
		}
	}
}

// Interrupt asks the adapter to abort the in-flight execution.
func (h *Handle) Interrupt() error {
	return h.Submit(Interrupt())
}

// Kill sends an orderly shutdown directive, waits up to grace for the
// process to exit, then escalates to SIGKILL. Idempotent.
func (h *Handle) Kill(grace time.Duration) {
	h.killOnce.Do(func() {
		if h.Status() != StatusExited {
			_ = h.Submit(Shutdown())
		}

		h.writeMu.Lock()
		_ = h.stdin.Close()
		h.writeMu.Unlock()

		select {
		case <-h.doneCh:
			h.logger.Info("interpreter exited gracefully")
		case <-time.After(grace):
			h.logger.Warn("force killing interpreter", zap.Int("pid", h.PID()))
			// A reader blocked on a full event queue would keep the reaper
			// from ever finishing; release it before waiting.
			close(h.quit)
			if h.cmd != nil && h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
			<-h.doneCh
		}
	})
}

// readStdout decodes NDJSON messages from the interpreter's stdout into
// the event stream.
func (h *Handle) readStdout(r io.Reader) {
	defer h.readerWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		msg := DecodeMessage(scanner.Bytes())
		if msg == nil {
			continue
		}
		select {
		case h.events <- msg:
		case <-h.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stdout reader error", zap.Error(err))
	}
}

// readStderr logs raw interpreter stderr; user-code stderr arrives as
// structured messages on stdout, so anything here is a diagnostic.
func (h *Handle) readStderr(r io.Reader) {
	defer h.readerWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		h.logger.Debug("interpreter stderr", zap.String("line", scanner.Text()))
	}
}

// waitForExit reaps the process after both pipe readers have finished,
// then marks the handle exited and closes the event stream so pending
// NextEvent callers observe ErrPeerGone after the drain.
func (h *Handle) waitForExit() {
	h.readerWG.Wait()

	err := h.cmd.Wait()
	h.exitErr.Store(errorWrapper{err: err})
	h.status.Store(StatusExited)

	if err != nil {
		h.logger.Info("interpreter exited with error", zap.Error(err))
	} else {
		h.logger.Info("interpreter exited")
	}

	close(h.doneCh)
	close(h.events)
}
