package session

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/ces/internal/common/config"
	apperrors "github.com/kandev/ces/internal/common/errors"
	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/events/bus"
	"github.com/kandev/ces/internal/execution"
	"github.com/kandev/ces/internal/history"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

const busSource = "ces-server"

// Manager is the session registry: it creates sessions, routes lookups,
// sweeps idle ones and coordinates shutdown.
type Manager struct {
	cfg     *config.Config
	logger  *logger.Logger
	engine  *execution.Engine
	bus     bus.EventBus
	history *history.Store

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates the session manager and starts the idle sweeper when
// an idle timeout is configured. The history store may be nil.
func NewManager(cfg *config.Config, eventBus bus.EventBus, hist *history.Store, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "session-manager")),
		engine: execution.New(execution.Config{
			ExecTimeout:    cfg.Session.ExecTimeoutDuration(),
			InterruptGrace: cfg.Session.InterruptGraceDuration(),
		}, log),
		bus:       eventBus,
		history:   hist,
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if cfg.Session.IdleTimeout > 0 {
		go m.sweepLoop()
	} else {
		close(m.sweepDone)
	}
	return m
}

// validSessionID rejects ids that could escape the workspace root.
func validSessionID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

// Create provisions a new session: working directory, interpreter launch
// and the session-init handshake. On any failure the partial state is
// rolled back and nothing is registered.
func (m *Manager) Create(ctx context.Context, requestedID string) (*Session, error) {
	id := requestedID
	if id == "" {
		id = uuid.New().String()
	} else if !validSessionID(id) {
		return nil, apperrors.BadRequest("invalid session id")
	}

	cwd := filepath.Join(m.cfg.Workspace.Root, id)
	s := newSession(id, cwd, m.cfg.Workspace.EnvID, m.cfg.Session, m.cfg.Interpreter, m.engine, m.afterExec(id), m.logger)

	// Register before the slow interpreter launch so a concurrent create of
	// the same id conflicts instead of racing.
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, apperrors.AlreadyExists("session", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	rollback := func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if err := os.RemoveAll(cwd); err != nil {
			m.logger.Warn("failed to remove session cwd on rollback", zap.Error(err))
		}
	}

	if err := os.MkdirAll(cwd, 0o755); err != nil {
		rollback()
		return nil, apperrors.InternalError("failed to create session cwd", err)
	}
	if err := s.start(ctx); err != nil {
		rollback()
		return nil, err
	}

	m.publish(bus.SubjectSessionCreated, map[string]any{"session_id": id})
	m.logger.Info("session created", zap.String("session_id", id))
	return s, nil
}

// Get returns a registered session. Stopped sessions remain visible until
// they are deleted or swept.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

// List returns metadata for every registered session, oldest first.
func (m *Manager) List() []v1.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]v1.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Delete stops a session, removes its working directory and unregisters
// it. Deleting an already-stopped session succeeds.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.Stop(true)
	m.publish(bus.SubjectSessionStopped, map[string]any{"session_id": id})
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// ActiveCount returns the number of sessions whose interpreter is alive.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// sweepLoop reclaims sessions idle past the configured timeout.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.Session.SweepIntervalDuration())
	defer ticker.Stop()

	idle := m.cfg.Session.IdleTimeoutDuration()
	for {
		select {
		case <-ticker.C:
			m.sweep(idle)
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) sweep(idle time.Duration) {
	cutoff := time.Now().UTC().Add(-idle)

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("sweeping idle session", zap.String("session_id", id))
		if err := m.Delete(id); err != nil {
			m.logger.Warn("idle sweep failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Shutdown stops the sweeper and every session concurrently, removing
// their working directories, waiting at most until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case <-m.sweepStop:
	default:
		close(m.sweepStop)
	}
	<-m.sweepDone

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Stop(true)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all sessions stopped", zap.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline exceeded with sessions still stopping",
			zap.Int("count", len(sessions)))
		return ctx.Err()
	}
}

// History returns the execution history store, which may be nil.
func (m *Manager) History() *history.Store {
	return m.history
}

// afterExec builds the per-session hook that persists execution records
// and publishes completion events.
func (m *Manager) afterExec(sessionID string) afterExecFn {
	return func(res *v1.ExecutionResult, duration time.Duration) {
		if m.history != nil {
			rec := v1.ExecutionRecord{
				SessionID:     sessionID,
				ExecID:        res.ExecID,
				Success:       res.Success,
				ErrorMessage:  res.ErrorMessage,
				DurationMS:    duration.Milliseconds(),
				StdoutBytes:   totalBytes(res.Stdout),
				StderrBytes:   totalBytes(res.Stderr),
				ArtifactCount: len(res.Artifacts),
				CreatedAt:     time.Now().UTC(),
			}
			if err := m.history.Record(context.Background(), rec); err != nil {
				m.logger.Warn("failed to record execution history",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}

		m.publish(bus.SubjectExecutionCompleted, map[string]any{
			"session_id":  sessionID,
			"exec_id":     res.ExecID,
			"success":     res.Success,
			"duration_ms": duration.Milliseconds(),
		})
	}
}

func totalBytes(lines []string) int64 {
	var n int64
	for _, l := range lines {
		n += int64(len(l))
	}
	return n
}

// publish emits a lifecycle event; bus failures are logged, never fatal.
func (m *Manager) publish(subject string, data map[string]any) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, busSource, data)); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
