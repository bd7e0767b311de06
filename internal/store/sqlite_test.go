package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-supervisor/internal/connmgr"
	"github.com/rcliao/agent-supervisor/internal/model"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir(), opts...)
	require.NoError(t, err, "create store")
	t.Cleanup(func() { s.Close() })
	return s
}

// ignoreServerFields compares entries on caller-supplied fields only.
var ignoreServerFields = cmpopts.IgnoreFields(model.MemoryEntry{}, "MemoryID", "Timestamp")

func TestWriteThenReadByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	before := time.Now().UTC()
	written, err := s.Write(ctx, WriteParams{
		AgentID:       "a1",
		Type:          "obs",
		Content:       "saw the build fail",
		Tags:          []string{"ci", "failure"},
		ProjectID:     "p1",
		Status:        "open",
		TaskType:      "build",
		TaskID:        "t1",
		MemoryTraceID: "trace-1",
		AgentTone:     map[string]any{"style": "terse", "warmth": 0.2},
		Metadata:      map[string]any{"attempt": 2.0, "nested": map[string]any{"k": []any{"v"}}},
		GoalID:        "g1",
	})
	require.NoError(t, err)

	_, err = ulid.ParseStrict(written.MemoryID)
	require.NoError(t, err, "memory_id should be a ULID")
	assert.False(t, written.Timestamp.Before(before.Add(-time.Second)))
	assert.Equal(t, time.UTC, written.Timestamp.Location())

	got, err := s.ReadByID(ctx, written.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, written.MemoryID, got.MemoryID)
	assert.True(t, written.Timestamp.Equal(got.Timestamp))
	if diff := cmp.Diff(*written, *got, ignoreServerFields); diff != "" {
		t.Errorf("read back mismatch (-written +read):\n%s", diff)
	}
}

func TestReadByIDBypassingCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithCache(0, 0, 0))

	written, err := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Content: "x", GoalID: "g9"})
	require.NoError(t, err)

	got, err := s.ReadByID(ctx, written.MemoryID)
	require.NoError(t, err)
	if diff := cmp.Diff(*written, *got, ignoreServerFields); diff != "" {
		t.Errorf("read back mismatch (-written +read):\n%s", diff)
	}
	assert.True(t, written.Timestamp.Equal(got.Timestamp))
}

func TestGoalIDMirroredIntoMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	meta := map[string]any{"source": "planner"}
	m, err := s.Write(ctx, WriteParams{AgentID: "a1", Type: "plan", GoalID: "g1", Metadata: meta})
	require.NoError(t, err)

	assert.Equal(t, "g1", m.GoalID)
	assert.Equal(t, "g1", m.Metadata["goal_id"])
	assert.Equal(t, "planner", m.Metadata["source"])
	_, mutated := meta["goal_id"]
	assert.False(t, mutated, "caller's metadata map must not be modified")
}

func TestWriteRequiresAgentAndType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(context.Background(), WriteParams{Type: "obs"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = s.Write(context.Background(), WriteParams{AgentID: "a1"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestReadByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadByID(context.Background(), "01J00000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	var se *StorageError
	assert.False(t, errors.As(err, &se), "not found is not a storage failure")
}

func TestEntriesAreInsertOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Content: "original"})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE memories SET content = 'changed' WHERE memory_id = ?`, m.MemoryID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert-only")
}

func TestMalformedCompositeFieldDegrades(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	s := newTestStore(t, WithLogger(zap.New(core)), WithCache(0, 0, 0))

	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (memory_id, agent_id, type, content, tags, timestamp, metadata)
		VALUES ('bad-1', 'a1', 'obs', 'still readable', '["broken', '2026-01-01T00:00:00.000000000Z', '{nope')`)
	require.NoError(t, err)

	got, err := s.ReadByID(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, "still readable", got.Content)
	assert.Empty(t, got.Tags)
	assert.NotNil(t, got.Metadata)
	assert.Empty(t, got.Metadata)

	res, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, res, 1)

	assert.GreaterOrEqual(t, logs.FilterMessage("degraded field on read").Len(), 2)
}

func TestSchemaFileWrittenAndReapplied(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	_, err = s.Write(context.Background(), WriteParams{AgentID: "a1", Type: "obs"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, SchemaFile))
	require.NoError(t, err, "schema file should sit next to the database")
	_, err = os.Stat(filepath.Join(dir, DBFile))
	require.NoError(t, err)

	s2, err := NewSQLiteStore(dir)
	require.NoError(t, err, "schema must be idempotent")
	defer s2.Close()

	all, err := s2.ExportAll(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDataDirCreation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, DBFile)); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs"})
	require.NoError(t, err)
	_, err = s.Write(ctx, WriteParams{AgentID: "a2", Type: "obs"})
	require.NoError(t, err)

	n, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.ReadByID(ctx, m.MemoryID)
	assert.ErrorIs(t, err, ErrNotFound, "reset must also clear cached entries")

	res, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestConcurrentWritersPerCaller(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers, perWorker = 4, 10
	var g errgroup.Group
	var mu sync.Mutex
	ids := map[string]bool{}
	for w := 0; w < workers; w++ {
		caller := connmgr.WithCaller(ctx, "worker-"+string(rune('a'+w)))
		g.Go(func() error {
			defer s.Release(caller)
			for i := 0; i < perWorker; i++ {
				m, err := s.Write(caller, WriteParams{AgentID: "a1", Type: "obs", Content: "tick"})
				if err != nil {
					return err
				}
				got, err := s.ReadByID(caller, m.MemoryID)
				if err != nil {
					return err
				}
				if got.MemoryID != m.MemoryID {
					return errors.New("read-after-write returned a different entry")
				}
				mu.Lock()
				ids[m.MemoryID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, workers*perWorker)

	all, err := s.ExportAll(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, all, workers*perWorker)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs"})
	s.Write(ctx, WriteParams{AgentID: "a1", Type: "plan"})
	s.Write(ctx, WriteParams{AgentID: "a2", Type: "obs"})

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalEntries)
	require.Len(t, st.Agents, 2)
	assert.Equal(t, AgentStats{AgentID: "a1", Count: 2, Types: 2}, st.Agents[0])
	require.Len(t, st.Types, 2)
	assert.Equal(t, TypeStats{Type: "obs", Count: 2}, st.Types[0])
	require.NotNil(t, st.Oldest)
	require.NotNil(t, st.Newest)
	assert.False(t, st.Newest.Before(*st.Oldest))
	assert.Equal(t, int64(0), st.UnverifiedWrites)
	assert.GreaterOrEqual(t, st.Connections.Opens, int64(1))
}

func TestExportAllOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _ := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Content: "1"})
	s.Write(ctx, WriteParams{AgentID: "a2", Type: "obs", Content: "2"})
	last, _ := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Content: "3"})

	all, err := s.ExportAll(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.MemoryID, all[0].MemoryID)
	assert.Equal(t, last.MemoryID, all[1].MemoryID)
}

func TestCompositeFieldsReturnedInStoredForm(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	written, err := s.Write(ctx, WriteParams{
		AgentID:   "a1",
		Type:      "obs",
		Content:   "retry budget",
		AgentTone: map[string]any{"level": 3},
		Metadata:  map[string]any{"attempt": 2, "ids": []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, written.Metadata["attempt"])
	assert.Equal(t, []any{"x"}, written.Metadata["ids"])
	assert.Equal(t, 3.0, written.AgentTone["level"])
	assert.Equal(t, int64(0), s.UnverifiedWrites())

	warm, err := s.ReadByID(ctx, written.MemoryID)
	require.NoError(t, err)
	listed, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	cold, err := NewSQLiteStore(s.Dir(), WithCache(0, 0, 0))
	require.NoError(t, err)
	defer cold.Close()
	fresh, err := cold.ReadByID(ctx, written.MemoryID)
	require.NoError(t, err)

	for name, got := range map[string]*model.MemoryEntry{"warm": warm, "query": &listed[0], "reopened": fresh} {
		if diff := cmp.Diff(*written, *got); diff != "" {
			t.Errorf("%s read differs from write (-written +read):\n%s", name, diff)
		}
	}
}
