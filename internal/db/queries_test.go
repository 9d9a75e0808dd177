package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return newClientForTest(raw, zaptest.NewLogger(t)), mock
}

func TestCountTasks(t *testing.T) {
	client, mock := newMockClient(t)
	nodeID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE node_id =")).
		WithArgs(nodeID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "processing", "completed", "failed"}).
			AddRow(5, 1, 1, 2, 1))

	counts, err := client.CountTasks(context.Background(), nodeID)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Total)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, 2, counts.Outstanding())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetTasksFailedOnly(t *testing.T) {
	client, mock := newMockClient(t)
	now := time.Now()
	nodeID := uuid.New()
	taskID := uuid.New()

	cols := []string{"id", "node_id", "row_index", "prompt", "status", "content",
		"error_message", "retry_count", "lineage_data", "progress", "started_at",
		"completed_at", "created_at", "updated_at"}

	mock.ExpectQuery(`UPDATE tasks[\s\S]*retry_count = retry_count \+ 1[\s\S]*AND status = 'failed'[\s\S]*RETURNING`).
		WithArgs(nodeID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(taskID, nodeID, 3, "prompt", "pending", nil, nil, 1, nil, nil,
				nil, nil, now, now))

	reset, err := client.ResetTasks(context.Background(), nodeID, true)
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, 3, reset[0].RowIndex)
	assert.Equal(t, 1, reset[0].RetryCount)
	assert.Equal(t, StatusPending, reset[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetTasksAllOrdersByRowIndex(t *testing.T) {
	client, mock := newMockClient(t)
	now := time.Now()
	nodeID := uuid.New()

	cols := []string{"id", "node_id", "row_index", "prompt", "status", "content",
		"error_message", "retry_count", "lineage_data", "progress", "started_at",
		"completed_at", "created_at", "updated_at"}

	// RETURNING comes back unordered; the client restores row-index order.
	rows := sqlmock.NewRows(cols)
	for _, idx := range []int{2, 0, 1} {
		rows.AddRow(uuid.New(), nodeID, idx, "prompt", "pending", nil, nil, 1, nil, nil,
			nil, nil, now, now)
	}
	mock.ExpectQuery(`UPDATE tasks[\s\S]*RETURNING`).
		WithArgs(nodeID, sqlmock.AnyArg()).
		WillReturnRows(rows)

	reset, err := client.ResetTasks(context.Background(), nodeID, false)
	require.NoError(t, err)
	require.Len(t, reset, 3)
	for i, task := range reset {
		assert.Equal(t, i, task.RowIndex)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTableUpsertVersion(t *testing.T) {
	client, mock := newMockClient(t)
	nodeID := uuid.New()
	tableID := uuid.New()

	mock.ExpectQuery(`INSERT INTO tables[\s\S]*ON CONFLICT \(node_id\) DO UPDATE[\s\S]*RETURNING id, version`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(tableID, 2))

	tbl := &Table{
		NodeID:  nodeID,
		RowData: Rows{{"company": "Acme"}},
	}
	require.NoError(t, client.SaveTable(context.Background(), tbl))
	assert.Equal(t, tableID, tbl.ID)
	assert.Equal(t, 2, tbl.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id =")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := client.GetTask(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateNodeLevelMismatch(t *testing.T) {
	client, mock := newMockClient(t)
	now := time.Now()
	sessionID := uuid.New()
	parentID := uuid.New()

	parentCols := []string{"id", "session_id", "parent_id", "level", "prompt_template",
		"model_id", "status", "error_message", "started_at", "completed_at",
		"created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM nodes WHERE id =")).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows(parentCols).
			AddRow(parentID, sessionID, nil, 1, "tmpl", "standard", "completed",
				nil, nil, nil, now, now))

	node := &Node{
		SessionID:      sessionID,
		ParentID:       &parentID,
		Level:          3, // parent is level 1, so only 2 is valid
		PromptTemplate: "tmpl",
		ModelID:        "standard",
	}
	err := client.CreateNode(context.Background(), node)
	assert.Error(t, err)
}
