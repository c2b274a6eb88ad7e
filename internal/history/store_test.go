package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ces/internal/common/logger"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	store, err := New(filepath.Join(t.TempDir(), "history.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(sessionID, execID string, success bool, at time.Time) v1.ExecutionRecord {
	return v1.ExecutionRecord{
		SessionID:     sessionID,
		ExecID:        execID,
		Success:       success,
		DurationMS:    42,
		StdoutBytes:   10,
		StderrBytes:   0,
		ArtifactCount: 1,
		CreatedAt:     at,
	}
}

func TestRecordAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, record("s1", "e1", true, now.Add(-2*time.Minute))))
	require.NoError(t, store.Record(ctx, record("s1", "e2", false, now.Add(-time.Minute))))
	require.NoError(t, store.Record(ctx, record("s2", "e1", true, now)))

	records, err := store.ListBySession(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, "e2", records[0].ExecID)
	assert.False(t, records[0].Success)
	assert.Equal(t, "e1", records[1].ExecID)
	assert.Equal(t, int64(42), records[1].DurationMS)
}

func TestListRespectsLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx,
			record("s1", string(rune('a'+i)), true, base.Add(time.Duration(i)*time.Second))))
	}

	records, err := store.ListBySession(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestListUnknownSessionIsEmpty(t *testing.T) {
	store := testStore(t)
	records, err := store.ListBySession(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordDuplicateKeyFails(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	rec := record("s1", "e1", true, time.Now().UTC())

	require.NoError(t, store.Record(ctx, rec))
	assert.Error(t, store.Record(ctx, rec))
}
