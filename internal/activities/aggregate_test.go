package activities

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arbor-research/arbor/internal/config"
	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/structuring"
)

func newAggregateActivities(t *testing.T, handler http.Handler) (*Activities, sqlmock.Sqlmock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	raw, smock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	dbClient := db.NewClientFromDB(raw, zaptest.NewLogger(t))
	sc := structuring.NewClient(structuring.Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	return NewActivities(dbClient, nil, nil, sc, nil, nil, zaptest.NewLogger(t)), smock
}

func expectAggregateReads(smock sqlmock.Sqlmock, parentID, sessionID, childID uuid.UUID, childRows string) {
	now := time.Now()
	smock.ExpectQuery(`SELECT[\s\S]* FROM nodes WHERE id`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns()).
			AddRow(parentID, sessionID, nil, 0, "tmpl", "standard",
				db.StatusProcessing, nil, nil, nil, now, now))
	smock.ExpectQuery(`FROM nodes n[\s\S]*LEFT JOIN tables`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "completed_tabled", "failed"}).
			AddRow(1, 1, 0))
	smock.ExpectQuery(`SELECT[\s\S]* FROM nodes WHERE parent_id`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows(nodeTestColumns()).
			AddRow(childID, sessionID, parentID, 1, "child tmpl", "standard",
				db.StatusCompleted, nil, nil, nil, now, now))
	smock.ExpectQuery(`SELECT[\s\S]* FROM tables WHERE node_id`).
		WithArgs(childID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "node_id", "row_data", "version", "edited", "aggregate", "metadata", "created_at", "updated_at"}).
			AddRow(uuid.New(), childID, []byte(childRows), 1, false, false, nil, now, now))
}

func TestBuildAggregateTableStructuresTaggedRows(t *testing.T) {
	var got structuring.StructureRequest
	hits := 0
	acts, smock := newAggregateActivities(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"rows": [{"company": "Acme", "region": "EU"}, {"company": "Globex", "region": "US"}]}`))
	}))

	parentID := uuid.New()
	sessionID := uuid.New()
	childID := uuid.New()
	now := time.Now()

	expectAggregateReads(smock, parentID, sessionID, childID,
		`[{"company":"Acme"},{"company":"Globex"}]`)
	smock.ExpectQuery(`SELECT[\s\S]* FROM table_specs WHERE node_id`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "node_id", "instruction", "input_rows", "output_shape", "created_at", "updated_at"}).
			AddRow(uuid.New(), parentID, "merge by company", nil, nil, now, now))
	smock.ExpectQuery(`INSERT INTO tables[\s\S]*RETURNING id, version`).
		WithArgs(sqlmock.AnyArg(), parentID, sqlmock.AnyArg(), 1, false, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(uuid.New(), 1))

	result, err := acts.BuildAggregateTable(t.Context(), AggregateInput{NodeID: parentID.String()})
	require.NoError(t, err)
	assert.True(t, result.Built)
	assert.Equal(t, 2, result.Rows)

	assert.Equal(t, 1, hits, "aggregation goes through the structuring service")
	assert.Equal(t, "merge by company", got.Instruction)
	require.Len(t, got.ContextBlocks, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.ContextBlocks[0]), &first))
	assert.Equal(t, "Acme", first["company"])
	assert.Equal(t, childID.String(), first["source_node"])
	assert.Equal(t, float64(1), first["source_level"])

	assert.NoError(t, smock.ExpectationsWereMet())
}

func TestBuildAggregateTableDefaultInstruction(t *testing.T) {
	var got structuring.StructureRequest
	acts, smock := newAggregateActivities(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"rows": [{"company": "Acme"}]}`))
	}))

	parentID := uuid.New()
	childID := uuid.New()

	expectAggregateReads(smock, parentID, uuid.New(), childID, `[{"company":"Acme"}]`)
	smock.ExpectQuery(`SELECT[\s\S]* FROM table_specs WHERE node_id`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	smock.ExpectQuery(`INSERT INTO tables[\s\S]*RETURNING id, version`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(uuid.New(), 1))

	_, err := acts.BuildAggregateTable(t.Context(), AggregateInput{NodeID: parentID.String()})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultArborConfig().Synthesis.AggregateInstruction, got.Instruction)
	assert.NoError(t, smock.ExpectationsWereMet())
}

func TestBuildAggregateTableStructuringFailureMarksNode(t *testing.T) {
	acts, smock := newAggregateActivities(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	parentID := uuid.New()
	childID := uuid.New()

	expectAggregateReads(smock, parentID, uuid.New(), childID, `[{"company":"Acme"}]`)
	smock.ExpectQuery(`SELECT[\s\S]* FROM table_specs WHERE node_id`).
		WithArgs(parentID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	smock.ExpectExec(`UPDATE nodes[\s\S]*SET status`).
		WithArgs(parentID, db.StatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := acts.BuildAggregateTable(t.Context(), AggregateInput{NodeID: parentID.String()})
	require.Error(t, err)
	assert.NoError(t, smock.ExpectationsWereMet())
}
