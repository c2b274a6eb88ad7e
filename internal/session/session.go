// Package session implements the session lifecycle: one interpreter
// subprocess, one serialized execution queue, and the stream hubs that
// expose execution output.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/config"
	apperrors "github.com/kandev/ces/internal/common/errors"
	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/execution"
	"github.com/kandev/ces/internal/interpreter"
	"github.com/kandev/ces/internal/streaming"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// afterExecFn is invoked after every finished execution, outside the
// session lock. The manager uses it to persist history and publish bus
// events.
type afterExecFn func(res *v1.ExecutionResult, duration time.Duration)

// Session owns one interpreter and serializes every operation against it.
// Concurrent API calls are safe; the ops queue guarantees FIFO execution
// order per session.
type Session struct {
	id        string
	cwd       string
	envID     string
	cfg       config.SessionConfig
	interpCfg config.InterpreterConfig
	logger    *logger.Logger
	engine    *execution.Engine
	afterExec afterExecFn

	interp *interpreter.Handle
	relay  *streaming.Relay

	ops            chan func()
	stopCh         chan struct{}
	stopSignal     sync.Once
	stopOnce       sync.Once
	serializerDone chan struct{}

	mu           sync.Mutex
	status       Status
	serving      bool
	createdAt    time.Time
	lastActivity time.Time
	execIndex    int
	extensions   []string
	usedExecIDs  map[string]struct{}
	hubs         map[string]*streaming.Hub
}

func newSession(id, cwd, envID string, cfg config.SessionConfig, interpCfg config.InterpreterConfig, engine *execution.Engine, afterExec afterExecFn, log *logger.Logger) *Session {
	now := time.Now().UTC()
	return &Session{
		id:             id,
		cwd:            cwd,
		envID:          envID,
		cfg:            cfg,
		interpCfg:      interpCfg,
		logger:         log.WithFields(zap.String("component", "session")).WithSessionID(id),
		engine:         engine,
		afterExec:      afterExec,
		relay:          streaming.NewRelay(cfg.SubscriberBuffer),
		ops:            make(chan func(), 16),
		stopCh:         make(chan struct{}),
		serializerDone: make(chan struct{}),
		status:         StatusStarting,
		createdAt:      now,
		lastActivity:   now,
		usedExecIDs:    make(map[string]struct{}),
		hubs:           make(map[string]*streaming.Hub),
	}
}

// start launches the interpreter, performs the session-init handshake and
// begins accepting operations.
func (s *Session) start(ctx context.Context) error {
	interp, err := interpreter.Start(ctx, s.interpCfg, s.id, s.cwd, s.logger)
	if err != nil {
		return apperrors.StartupFailed(err)
	}
	s.mu.Lock()
	s.interp = interp
	s.mu.Unlock()

	if err := interp.Submit(interpreter.SessionInit(s.id, s.cwd)); err != nil {
		interp.Kill(s.interpCfg.KillGraceDuration())
		return apperrors.StartupFailed(err)
	}
	initCtx, cancel := context.WithTimeout(ctx, s.interpCfg.StartupTimeoutDuration())
	defer cancel()
	if err := interp.AwaitIdle(initCtx); err != nil {
		interp.Kill(s.interpCfg.KillGraceDuration())
		return apperrors.StartupFailed(err)
	}

	s.mu.Lock()
	if s.status != StatusStarting {
		// Stop won the race during the startup window; the fresh
		// interpreter must not outlive the session.
		s.mu.Unlock()
		interp.Kill(0)
		return apperrors.SessionStopped(s.id)
	}
	s.status = StatusRunning
	s.serving = true
	s.mu.Unlock()
	go s.serve()

	s.logger.Info("session started",
		zap.Int("interpreter_pid", interp.PID()),
		zap.String("cwd", s.cwd))
	return nil
}

// serve is the per-session serializer: it drains the ops queue one
// operation at a time, which is what guarantees FIFO execution order.
func (s *Session) serve() {
	defer close(s.serializerDone)
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// enqueue hands an operation to the serializer.
func (s *Session) enqueue(fn func()) error {
	if st := s.Status(); st == StatusStopping || st == StatusStopped {
		return apperrors.SessionStopped(s.id)
	}
	select {
	case s.ops <- fn:
		return nil
	case <-s.stopCh:
		return apperrors.SessionStopped(s.id)
	}
}

// run enqueues an operation and waits for it to finish. If the session
// stops first the queued operation is abandoned and the caller gets a
// session-stopped error.
func (s *Session) run(fn func() error) error {
	errCh := make(chan error, 1)
	if err := s.enqueue(func() { errCh <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-s.serializerDone:
		// The serializer finishes its in-flight operation before exiting,
		// so by now errCh is settled one way or the other.
		select {
		case err := <-errCh:
			return err
		default:
			return apperrors.SessionStopped(s.id)
		}
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Cwd returns the session working directory.
func (s *Session) Cwd() string { return s.cwd }

// Relay returns the session-wide event relay.
func (s *Session) Relay() *streaming.Relay { return s.relay }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// stopped is terminal
	if s.status == StatusStopped {
		return
	}
	s.status = st
}

// LastActivity returns the time of the last session operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now().UTC()
}

// Info returns a metadata snapshot.
func (s *Session) Info() v1.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	exts := make([]string, len(s.extensions))
	copy(exts, s.extensions)
	return v1.SessionInfo{
		ID:             s.id,
		Status:         string(s.status),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		ExecutionCount: s.execIndex,
		Extensions:     exts,
		EnvID:          s.envID,
	}
}

// reserveExec validates and reserves an execution id, creating the stream
// hub under the same lock so subscribers can attach before the first event.
func (s *Session) reserveExec(execID string) (string, *streaming.Hub, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning:
	case StatusStarting:
		return "", nil, 0, apperrors.SessionNotReady(s.id)
	default:
		return "", nil, 0, apperrors.SessionStopped(s.id)
	}
	if execID == "" {
		execID = uuid.New().String()
	}
	if _, used := s.usedExecIDs[execID]; used {
		return "", nil, 0, apperrors.DuplicateExecution(execID)
	}
	s.usedExecIDs[execID] = struct{}{}
	s.execIndex++
	s.touchLocked()

	// Completed hubs nobody watches anymore are released here; the most
	// recent ones stay available for late joins.
	for id, hub := range s.hubs {
		if hub.Closed() && hub.SubscriberCount() == 0 && id != execID {
			delete(s.hubs, id)
		}
	}

	hub := streaming.NewHub(execID, s.cfg.StreamBufferLimit, s.cfg.SubscriberBuffer, s.logger)
	hub.SetTap(func(ev v1.OutputEvent) { s.relay.Forward(execID, ev) })
	s.hubs[execID] = hub

	return execID, hub, s.execIndex, nil
}

// Hub returns the stream hub for an execution, if it is still retained.
func (s *Session) Hub(execID string) (*streaming.Hub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[execID]
	return hub, ok
}

// Execute runs one code unit and blocks until its result is assembled.
// An empty execID mints one.
func (s *Session) Execute(execID, code string) (*v1.ExecutionResult, error) {
	execID, hub, index, err := s.reserveExec(execID)
	if err != nil {
		return nil, err
	}

	var result *v1.ExecutionResult
	err = s.run(func() error {
		res, execErr := s.runExecution(hub, execID, code, index)
		result = res
		return execErr
	})
	return result, err
}

// ExecuteAsync reserves the execution and queues it without waiting; the
// caller observes progress through the stream hub.
func (s *Session) ExecuteAsync(execID, code string) (string, error) {
	execID, hub, index, err := s.reserveExec(execID)
	if err != nil {
		return "", err
	}
	err = s.enqueue(func() {
		if _, execErr := s.runExecution(hub, execID, code, index); execErr != nil {
			s.logger.WithExecID(execID).Error("streamed execution failed", zap.Error(execErr))
		}
	})
	if err != nil {
		// The hub never gets events; close it so subscribers are released.
		hub.PublishTerminal(v1.EventResult, abortedResult(execID, code, "session stopped"))
		return "", err
	}
	return execID, nil
}

// runExecution drives the engine for one code unit. Runs on the serializer.
func (s *Session) runExecution(hub *streaming.Hub, execID, code string, index int) (*v1.ExecutionResult, error) {
	started := time.Now()

	// context.Background on purpose: a disconnecting HTTP caller must not
	// cancel the execution, the interpreter output still has to be drained.
	outcome, err := s.engine.Execute(context.Background(), s.interp, hub, s.cwd, execID, code, index)
	duration := time.Since(started)

	if err != nil {
		res := abortedResult(execID, code, err.Error())
		hub.PublishTerminal(v1.EventResult, res)
		s.notifyAfterExec(res, duration)
		return res, apperrors.InternalError("execution failed", err)
	}

	if outcome.Unresponsive {
		s.logger.WithExecID(execID).Warn("interpreter ignored interrupt, killing it")
		s.interp.Kill(0)
		s.markStopped()
	}
	if outcome.PeerGone {
		s.markStopped()
	}

	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()

	s.notifyAfterExec(outcome.Result, duration)
	return outcome.Result, nil
}

func (s *Session) notifyAfterExec(res *v1.ExecutionResult, duration time.Duration) {
	if s.afterExec != nil {
		s.afterExec(res, duration)
	}
}

// abortedResult synthesizes the terminal result for an execution that
// never produced output.
func abortedResult(execID, code, message string) *v1.ExecutionResult {
	return &v1.ExecutionResult{
		ExecID:       execID,
		Code:         code,
		Success:      false,
		ErrorMessage: message,
		Output:       message,
		Stdout:       []string{},
		Stderr:       []string{},
		Logs:         []v1.LogEntry{},
		Artifacts:    []v1.Artifact{},
		Variables:    []v1.Variable{},
	}
}

// LoadExtension registers extension source with the adapter and loads it
// with its config map. Load errors surface as bad-request errors carrying
// the interpreter traceback.
func (s *Session) LoadExtension(name, source string, cfg map[string]string) error {
	if name == "" {
		return apperrors.BadRequest("extension name is required")
	}
	if source == "" {
		return apperrors.BadRequest("extension source is required")
	}

	return s.run(func() error {
		if err := s.submitAndSettle(interpreter.ExtRegister(name, source)); err != nil {
			return err
		}
		if err := s.submitAndSettle(interpreter.ExtLoad(name, cfg)); err != nil {
			return err
		}
		s.mu.Lock()
		s.extensions = append(s.extensions, name)
		s.touchLocked()
		s.mu.Unlock()
		s.logger.Info("extension loaded", zap.String("extension", name))
		return nil
	})
}

// UpdateVariables overwrites user-namespace bindings.
func (s *Session) UpdateVariables(bindings map[string]any) error {
	if len(bindings) == 0 {
		return apperrors.BadRequest("bindings must not be empty")
	}
	return s.run(func() error {
		if err := s.submitAndSettle(interpreter.VarUpdate(bindings)); err != nil {
			return err
		}
		s.mu.Lock()
		s.touchLocked()
		s.mu.Unlock()
		return nil
	})
}

// submitAndSettle sends one control directive and consumes output until
// the adapter reports idle, surfacing any error-channel message. Runs on
// the serializer.
func (s *Session) submitAndSettle(d interpreter.Directive) error {
	if err := s.interp.Submit(d); err != nil {
		s.markStopped()
		return apperrors.PeerGone(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecTimeoutDuration())
	defer cancel()

	var firstErr *apperrors.AppError
	for {
		msg, err := s.interp.NextEvent(ctx)
		if err != nil {
			if err == context.DeadlineExceeded {
				return apperrors.Timeout("control directive timed out")
			}
			s.markStopped()
			return apperrors.PeerGone(err)
		}
		switch {
		case msg.Channel == interpreter.ChannelStatus && msg.State == interpreter.StateIdle:
			if firstErr != nil {
				return firstErr
			}
			return nil
		case msg.Channel == interpreter.ChannelError:
			if firstErr == nil {
				firstErr = apperrors.BadRequest(msg.ErrorText())
			}
		}
	}
}

// markStopped records that the interpreter is gone. The session stays
// registered so clients can observe the state and delete it; every further
// operation fails with a session-stopped error. Safe to call from the
// serializer goroutine.
func (s *Session) markStopped() {
	s.stopSignal.Do(func() { close(s.stopCh) })
	s.setStatus(StatusStopped)
	if s.interp != nil {
		s.interp.Kill(0)
	}
	s.closeOpenHubs()
	s.relay.Close()
	s.logger.Warn("session stopped: interpreter gone")
}

// Stop shuts the session down: no new operations, interpreter killed with
// grace, streams closed, optionally the cwd removed. Idempotent and safe
// under concurrent executions, which observe peer-gone and settle first.
// Also safe while the session is still starting.
func (s *Session) Stop(removeCwd bool) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.status != StatusStopped {
			s.status = StatusStopping
		}
		interp := s.interp
		serving := s.serving
		s.mu.Unlock()
		s.stopSignal.Do(func() { close(s.stopCh) })

		if interp != nil {
			interp.Kill(s.interpCfg.KillGraceDuration())
		}
		if serving {
			<-s.serializerDone
		} else {
			// The serializer never launched, so nothing is in flight and
			// nobody else will close this. Waiters in run() are released.
			close(s.serializerDone)
		}

		s.closeOpenHubs()
		s.relay.Close()

		if removeCwd {
			if err := os.RemoveAll(s.cwd); err != nil {
				s.logger.Warn("failed to remove session cwd", zap.Error(err))
			}
		}

		s.setStatus(StatusStopped)
		s.logger.Info("session stopped")
	})
}

// closeOpenHubs terminates hubs of executions that will never run, so
// their subscribers are released.
func (s *Session) closeOpenHubs() {
	s.mu.Lock()
	hubs := make([]*streaming.Hub, 0, len(s.hubs))
	for _, hub := range s.hubs {
		hubs = append(hubs, hub)
	}
	s.mu.Unlock()

	for _, hub := range hubs {
		if !hub.Closed() {
			hub.PublishTerminal(v1.EventResult, abortedResult(hub.ExecID(), "", "session stopped"))
		}
	}
}
