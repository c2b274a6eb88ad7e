// Package execution drives one execution round-trip through the control
// protocol: pre-exec framing, code submission, output demultiplexing into
// the result accumulator and the stream hub, and post-exec variable and
// artifact collection.
package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/interpreter"
	"github.com/kandev/ces/internal/streaming"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// Interpreter is the slice of the interpreter handle the engine needs.
// The concrete implementation is *interpreter.Handle; tests substitute a
// scripted fake.
type Interpreter interface {
	Submit(d interpreter.Directive) error
	NextEvent(ctx context.Context) (*interpreter.Message, error)
	Interrupt() error
}

// ErrInternalOrdering is returned when the interpreter is busy at pre-exec
// time. Under the per-session serializer this is unreachable; seeing it
// means the ordering invariant was violated somewhere above.
var ErrInternalOrdering = errors.New("interpreter busy at pre-exec: per-session ordering violated")

// peerGoneMessage is the error text surfaced when the interpreter dies
// mid-execution.
const peerGoneMessage = "interpreter process exited unexpectedly (peer gone)"

// idleWait bounds the waits around pre-exec and post-exec, which involve
// no user code and should complete immediately.
const idleWait = 10 * time.Second

// Config holds the engine's timing knobs.
type Config struct {
	ExecTimeout    time.Duration // per-execution deadline
	InterruptGrace time.Duration // window after interrupt before giving up
}

// Outcome carries the assembled result plus the supervision flags the
// session acts on.
type Outcome struct {
	Result *v1.ExecutionResult

	// PeerGone is set when the interpreter died during the execution;
	// the session must transition to stopped.
	PeerGone bool

	// Unresponsive is set when the interpreter ignored an interrupt after
	// a timeout; the session must kill it.
	Unresponsive bool
}

// Engine executes code units against an interpreter. It is stateless:
// per-session state (cwd, counters) is passed in per call.
type Engine struct {
	cfg    Config
	logger *logger.Logger
}

// New creates an execution engine.
func New(cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "execution-engine")),
	}
}

// accumulator assembles the ExecutionResult while events stream through.
type accumulator struct {
	result       *v1.ExecutionResult
	displayCount int
}

func newAccumulator(execID, code string) *accumulator {
	return &accumulator{
		result: &v1.ExecutionResult{
			ExecID:    execID,
			Code:      code,
			Success:   true,
			Stdout:    []string{},
			Stderr:    []string{},
			Logs:      []v1.LogEntry{},
			Artifacts: []v1.Artifact{},
			Variables: []v1.Variable{},
		},
	}
}

// Execute runs one code unit to completion. The outcome is returned even
// when the code failed or the interpreter died: the caller distinguishes
// "the service failed" (non-nil error) from "the code failed"
// (Outcome.Result.Success == false).
func (e *Engine) Execute(parent context.Context, interp Interpreter, hub *streaming.Hub, cwd, execID, code string, index int) (*Outcome, error) {
	log := e.logger.WithExecID(execID)
	acc := newAccumulator(execID, code)

	// Step 1: frame the execution. The adapter acknowledges with an idle
	// status; anything slower means an earlier call is still running.
	if err := interp.Submit(interpreter.PreExec(execID, index)); err != nil {
		return e.peerGoneOutcome(acc, hub, log, err)
	}
	preCtx, cancelPre := context.WithTimeout(parent, idleWait)
	err := e.consumeUntilIdle(preCtx, interp, hub, acc, cwd)
	cancelPre()
	if err != nil {
		if errors.Is(err, interpreter.ErrPeerGone) {
			return e.peerGoneOutcome(acc, hub, log, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrInternalOrdering
		}
		return nil, err
	}

	// Step 2: submit the user code.
	if err := interp.Submit(interpreter.Exec(code)); err != nil {
		return e.peerGoneOutcome(acc, hub, log, err)
	}

	// Step 3: consume output until the execute-reply.
	execCtx, cancelExec := context.WithTimeout(parent, e.cfg.ExecTimeout)
	err = e.consumeUntilReply(execCtx, interp, hub, acc, cwd)
	cancelExec()
	if err != nil {
		if errors.Is(err, interpreter.ErrPeerGone) {
			return e.peerGoneOutcome(acc, hub, log, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return e.handleTimeout(parent, interp, hub, acc, cwd, log)
		}
		return nil, err
	}

	// Step 4: collect variables and artifacts.
	if err := interp.Submit(interpreter.PostExec(execID, index)); err != nil {
		return e.peerGoneOutcome(acc, hub, log, err)
	}
	postCtx, cancelPost := context.WithTimeout(parent, idleWait)
	err = e.consumeUntilIdle(postCtx, interp, hub, acc, cwd)
	cancelPost()
	if err != nil {
		if errors.Is(err, interpreter.ErrPeerGone) {
			return e.peerGoneOutcome(acc, hub, log, err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// A stuck post-exec scan loses variables, not the execution.
		log.Warn("post-exec scan did not return to idle")
	}

	// Step 5: terminal event.
	e.finalize(acc)
	hub.PublishTerminal(v1.EventResult, acc.result)

	return &Outcome{Result: acc.result}, nil
}

// consumeUntilReply processes events until the execute-reply arrives.
func (e *Engine) consumeUntilReply(ctx context.Context, interp Interpreter, hub *streaming.Hub, acc *accumulator, cwd string) error {
	for {
		msg, err := interp.NextEvent(ctx)
		if err != nil {
			return err
		}
		if msg.Channel == interpreter.ChannelExecuteReply {
			if msg.Status == interpreter.ReplyError && acc.result.Success {
				acc.result.Success = false
				if acc.result.ErrorMessage == "" {
					acc.result.ErrorMessage = "execution failed"
				}
			}
			return nil
		}
		e.handleMessage(msg, hub, acc, cwd)
	}
}

// consumeUntilIdle processes events until an idle status arrives.
func (e *Engine) consumeUntilIdle(ctx context.Context, interp Interpreter, hub *streaming.Hub, acc *accumulator, cwd string) error {
	for {
		msg, err := interp.NextEvent(ctx)
		if err != nil {
			return err
		}
		if msg.Channel == interpreter.ChannelStatus && msg.State == interpreter.StateIdle {
			return nil
		}
		e.handleMessage(msg, hub, acc, cwd)
	}
}

// handleMessage appends one message to the accumulator and publishes the
// corresponding event to the hub.
func (e *Engine) handleMessage(msg *interpreter.Message, hub *streaming.Hub, acc *accumulator, cwd string) {
	switch msg.Channel {
	case interpreter.ChannelStdout:
		acc.result.Stdout = append(acc.result.Stdout, msg.Text)
		hub.Publish(v1.EventStdout, msg.Text)

	case interpreter.ChannelStderr:
		acc.result.Stderr = append(acc.result.Stderr, msg.Text)
		hub.Publish(v1.EventStderr, msg.Text)

	case interpreter.ChannelLog:
		if msg.Log != nil {
			acc.result.Logs = append(acc.result.Logs, *msg.Log)
			hub.Publish(v1.EventLog, *msg.Log)
		}

	case interpreter.ChannelDisplay:
		art, err := e.writeDisplayArtifact(msg, acc, cwd)
		if err != nil {
			e.logger.Warn("failed to capture display payload", zap.Error(err))
			return
		}
		acc.result.Artifacts = append(acc.result.Artifacts, art)
		hub.Publish(v1.EventDisplay, art)

	case interpreter.ChannelError:
		acc.result.Success = false
		// Keep the first error; stderr trailing after it is still captured.
		if acc.result.ErrorMessage == "" {
			acc.result.ErrorMessage = msg.ErrorText()
		}
		hub.Publish(v1.EventError, v1.ErrorPayload{
			Name:      msg.ErrName,
			Message:   msg.ErrValue,
			Traceback: msg.Traceback,
		})

	case interpreter.ChannelStatus:
		hub.Publish(v1.EventStatus, msg.State)

	case interpreter.ChannelVariables:
		acc.result.Variables = append(acc.result.Variables, msg.Variables...)
		hub.Publish(v1.EventVariables, msg.Variables)

	case interpreter.ChannelArtifact:
		if msg.Artifact == nil {
			return
		}
		art := *msg.Artifact
		path := filepath.Join(cwd, art.FileName)
		if art.MimeType == "" {
			art.MimeType = InferMime(path)
		}
		if info, err := os.Stat(path); err == nil {
			art.Size = info.Size()
		}
		if art.Name == "" {
			art.Name = art.FileName
		}
		acc.result.Artifacts = append(acc.result.Artifacts, art)
		hub.Publish(v1.EventArtifact, art)
	}
}

// writeDisplayArtifact persists a rich display payload into the session
// cwd under a stable name and returns its artifact entry.
func (e *Engine) writeDisplayArtifact(msg *interpreter.Message, acc *accumulator, cwd string) (v1.Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(msg.DataBase64)
	if err != nil {
		return v1.Artifact{}, fmt.Errorf("decode display payload: %w", err)
	}

	acc.displayCount++
	fileName := fmt.Sprintf("%s-%d%s", acc.result.ExecID, acc.displayCount, ExtensionForMime(msg.MimeType))
	if err := os.WriteFile(filepath.Join(cwd, fileName), data, 0o644); err != nil {
		return v1.Artifact{}, fmt.Errorf("write display payload: %w", err)
	}

	return v1.Artifact{
		Name:     fmt.Sprintf("%s-%d", acc.result.ExecID, acc.displayCount),
		MimeType: msg.MimeType,
		FileName: fileName,
		Size:     int64(len(data)),
	}, nil
}

// handleTimeout runs the interrupt escalation after the execution deadline
// expired: ask the adapter to interrupt, then drain until the interpreter
// is idle again. If it does not come back the session has to kill it.
func (e *Engine) handleTimeout(parent context.Context, interp Interpreter, hub *streaming.Hub, acc *accumulator, cwd string, log *logger.Logger) (*Outcome, error) {
	log.Warn("execution timed out, interrupting interpreter")

	acc.result.Success = false
	acc.result.ErrorMessage = "timeout"

	if err := interp.Interrupt(); err != nil {
		return e.peerGoneOutcome(acc, hub, log, err)
	}

	graceCtx, cancel := context.WithTimeout(parent, e.cfg.InterruptGrace)
	defer cancel()
	for {
		msg, err := interp.NextEvent(graceCtx)
		if err != nil {
			if errors.Is(err, interpreter.ErrPeerGone) {
				return e.peerGoneOutcome(acc, hub, log, err)
			}
			// Did not return to idle within the grace window.
			e.finalize(acc)
			hub.PublishTerminal(v1.EventResult, acc.result)
			return &Outcome{Result: acc.result, Unresponsive: true}, nil
		}
		// Keep draining so the interpreter never blocks on a full pipe.
		if msg.Channel == interpreter.ChannelExecuteReply ||
			(msg.Channel == interpreter.ChannelStatus && msg.State == interpreter.StateIdle) {
			e.finalize(acc)
			hub.PublishTerminal(v1.EventResult, acc.result)
			return &Outcome{Result: acc.result}, nil
		}
		e.handleMessage(msg, hub, acc, cwd)
	}
}

// peerGoneOutcome synthesizes the terminal error for a dead interpreter
// and closes the hub cleanly.
func (e *Engine) peerGoneOutcome(acc *accumulator, hub *streaming.Hub, log *logger.Logger, cause error) (*Outcome, error) {
	log.Warn("interpreter died mid-execution", zap.Error(cause))

	acc.result.Success = false
	if acc.result.ErrorMessage == "" {
		acc.result.ErrorMessage = peerGoneMessage
	}
	hub.Publish(v1.EventError, v1.ErrorPayload{
		Name:    "PeerGone",
		Message: peerGoneMessage,
	})

	e.finalize(acc)
	hub.PublishTerminal(v1.EventResult, acc.result)
	return &Outcome{Result: acc.result, PeerGone: true}, nil
}

// finalize fills the summary output field.
func (e *Engine) finalize(acc *accumulator) {
	if acc.result.Success {
		acc.result.Output = strings.Join(acc.result.Stdout, "")
	} else {
		acc.result.Output = acc.result.ErrorMessage
	}
}
