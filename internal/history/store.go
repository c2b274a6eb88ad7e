// Package history persists execution metadata in SQLite so the record of
// what ran in a session survives the session itself.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/logger"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	session_id     TEXT NOT NULL,
	exec_id        TEXT NOT NULL,
	success        INTEGER NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL,
	stdout_bytes   INTEGER NOT NULL,
	stderr_bytes   INTEGER NOT NULL,
	artifact_count INTEGER NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, exec_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_session_created
	ON executions (session_id, created_at);
`

// Store is the execution history database.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// New opens (creating if needed) the history database at path.
func New(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "history-store")),
	}, nil
}

// Record inserts one finished execution.
func (s *Store) Record(ctx context.Context, rec v1.ExecutionRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (
			session_id, exec_id, success, error_message, duration_ms,
			stdout_bytes, stderr_bytes, artifact_count, created_at
		) VALUES (
			:session_id, :exec_id, :success, :error_message, :duration_ms,
			:stdout_bytes, :stderr_bytes, :artifact_count, :created_at
		)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListBySession returns the executions of one session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]v1.ExecutionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	records := []v1.ExecutionRecord{}
	err := s.db.SelectContext(ctx, &records, `
		SELECT session_id, exec_id, success, error_message, duration_ms,
		       stdout_bytes, stderr_bytes, artifact_count, created_at
		FROM executions
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return records, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
