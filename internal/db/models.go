package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column holding an object.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Rows represents a jsonb column holding an ordered row list. Each row is a
// key→value mapping; the union of keys is the effective column set.
type Rows []map[string]interface{}

func (r Rows) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *Rows) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Rows", value)
	}

	return json.Unmarshal(bytes, r)
}

// Node / task lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	SessionActive   = "active"
	SessionComplete = "completed"
	SessionArchived = "archived"
)

// Event kinds written to the event log. Observability only, never control flow.
const (
	EventTaskCreated     = "task_created"
	EventTaskStarted     = "task_started"
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
	EventTaskRetry       = "task_retry"
	EventNodeCreated     = "node_created"
	EventNodeStarted     = "node_started"
	EventNodeCompleted   = "node_completed"
	EventNodeFailed      = "node_failed"
	EventTableGenStarted = "table_generation_started"
	EventTableGenerated  = "table_generated"
	EventTableGenFailed  = "table_generation_failed"
)

// Session is one research project. Deleting a session cascades to its nodes,
// tasks, tables, and event log entries.
type Session struct {
	ID        uuid.UUID `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Node is one level of the research tree. ParentID is nil for the root;
// Level is 0 for the root and parent.Level+1 on every edge.
type Node struct {
	ID             uuid.UUID  `db:"id"`
	SessionID      uuid.UUID  `db:"session_id"`
	ParentID       *uuid.UUID `db:"parent_id"`
	Level          int        `db:"level"`
	PromptTemplate string     `db:"prompt_template"`
	ModelID        string     `db:"model_id"`
	Status         string     `db:"status"`
	ErrorMessage   *string    `db:"error_message"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Task is one unit of generation work. RowIndex is unique within a node and
// assigned at creation; retry mutates status fields in place and never
// recreates the task, so RowIndex and LineageData survive every retry.
type Task struct {
	ID           uuid.UUID  `db:"id"`
	NodeID       uuid.UUID  `db:"node_id"`
	RowIndex     int        `db:"row_index"`
	Prompt       string     `db:"prompt"`
	Status       string     `db:"status"`
	Content      *string    `db:"content"`
	ErrorMessage *string    `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	LineageData  JSONB      `db:"lineage_data"`
	Progress     JSONB      `db:"progress"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// TableSpec is the one-to-one structuring recipe for a node. InputRows is the
// parent table's rows snapshotted at node creation; later edits to the parent
// table do not leak into an already-created node.
type TableSpec struct {
	ID          uuid.UUID `db:"id"`
	NodeID      uuid.UUID `db:"node_id"`
	Instruction string    `db:"instruction"`
	InputRows   Rows      `db:"input_rows"`
	OutputShape JSONB     `db:"output_shape"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Table is the structured output attached to a node. Version starts at 1 and
// strictly increments on every regeneration or manual edit. Aggregate tables
// carry per-row source-node and source-level tags in their row data plus
// summary counts in Metadata.
type Table struct {
	ID        uuid.UUID `db:"id"`
	NodeID    uuid.UUID `db:"node_id"`
	RowData   Rows      `db:"row_data"`
	Version   int       `db:"version"`
	Edited    bool      `db:"edited"`
	Aggregate bool      `db:"aggregate"`
	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EventLog is an append-only audit record. Rows are never mutated or deleted
// except via the session cascade.
type EventLog struct {
	ID        uuid.UUID  `db:"id"`
	SessionID uuid.UUID  `db:"session_id"`
	NodeID    *uuid.UUID `db:"node_id"`
	TaskID    *uuid.UUID `db:"task_id"`
	Level     int        `db:"level"`
	Kind      string     `db:"kind"`
	Message   string     `db:"message"`
	Detail    JSONB      `db:"detail"`
	Timestamp time.Time  `db:"timestamp"`
	CreatedAt time.Time  `db:"created_at"`
}

// TaskCounts is the fresh per-node tally the completion aggregator decides
// from. It is always re-read at decision time, never cached.
type TaskCounts struct {
	Total      int `db:"total"`
	Pending    int `db:"pending"`
	Processing int `db:"processing"`
	Completed  int `db:"completed"`
	Failed     int `db:"failed"`
}

// Outstanding reports how many tasks have not reached a terminal state.
func (c TaskCounts) Outstanding() int {
	return c.Pending + c.Processing
}
