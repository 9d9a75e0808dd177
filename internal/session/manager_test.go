package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewManager(mr.Addr(), time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestRecordAndGetProgress(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.RecordNodeProgress(ctx, "sess-1", NodeProgress{
		NodeID:         "node-1",
		Level:          0,
		Status:         "processing",
		TasksTotal:     5,
		TasksCompleted: 2,
	})
	m.RecordNodeProgress(ctx, "sess-1", NodeProgress{
		NodeID:         "node-1",
		Level:          0,
		Status:         "processing",
		TasksTotal:     5,
		TasksCompleted: 4,
	})

	prog, err := m.GetProgress(ctx, "sess-1")
	require.NoError(t, err)
	require.Contains(t, prog.Nodes, "node-1")
	assert.Equal(t, 4, prog.Nodes["node-1"].TasksCompleted)
	assert.Equal(t, 5, prog.Nodes["node-1"].TasksTotal)
}

func TestGetProgressFromRedisAfterLocalEviction(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	m.RecordNodeProgress(ctx, "sess-2", NodeProgress{NodeID: "n", Status: "completed", TasksTotal: 1, TasksCompleted: 1})

	// Simulate a restart: local cache empty, Redis still holds the snapshot.
	m.mu.Lock()
	m.localCache = make(map[string]*Progress)
	m.mu.Unlock()

	require.True(t, mr.Exists(progressKeyPrefix+"sess-2"))

	prog, err := m.GetProgress(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "completed", prog.Nodes["n"].Status)
}

func TestGetProgressMissingSession(t *testing.T) {
	m, _ := newTestManager(t)

	prog, err := m.GetProgress(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, prog.Nodes)
}

func TestClearSession(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	m.RecordNodeProgress(ctx, "sess-3", NodeProgress{NodeID: "n", TasksTotal: 1})
	require.NoError(t, m.ClearSession(ctx, "sess-3"))

	assert.False(t, mr.Exists(progressKeyPrefix+"sess-3"))
	prog, err := m.GetProgress(ctx, "sess-3")
	require.NoError(t, err)
	assert.Empty(t, prog.Nodes)
}
