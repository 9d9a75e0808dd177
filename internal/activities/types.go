package activities

import "github.com/arbor-research/arbor/internal/db"

// FanOutInput asks for a node's tasks to be created from its input rows.
type FanOutInput struct {
	NodeID string `json:"node_id"`
}

// TaskRef identifies one created or reset task for dispatch.
type TaskRef struct {
	TaskID   string `json:"task_id"`
	RowIndex int    `json:"row_index"`
}

// FanOutResult reports the node's task set after fan-out.
type FanOutResult struct {
	Tasks   []TaskRef `json:"tasks"`
	ModelID string    `json:"model_id"`
}

// ExecuteTaskInput runs one research task end to end.
type ExecuteTaskInput struct {
	TaskID  string `json:"task_id"`
	ModelID string `json:"model_id"`
}

// ExecuteTaskResult reports the task outcome.
type ExecuteTaskResult struct {
	TaskID   string `json:"task_id"`
	RowIndex int    `json:"row_index"`
	Status   string `json:"status"`
}

// CompletionInput asks for a fresh completion decision on a node.
type CompletionInput struct {
	NodeID string `json:"node_id"`
}

// CompletionDecision is the outcome of one evaluation. Exactly one of Ready,
// Failed, or Waiting holds; the decision is made from a single fresh tally so
// concurrent task finishes cannot produce two synthesizers.
type CompletionDecision struct {
	Ready     bool          `json:"ready"`
	Failed    bool          `json:"failed"`
	Waiting   bool          `json:"waiting"`
	TableDone bool          `json:"table_done"`
	Counts    db.TaskCounts `json:"counts"`
}

// SynthesizeInput generates a node's table from its completed tasks.
type SynthesizeInput struct {
	NodeID string `json:"node_id"`
}

// SynthesizeResult reports the saved table.
type SynthesizeResult struct {
	TableID string `json:"table_id"`
	Version int    `json:"version"`
	Rows    int    `json:"rows"`
	Batches int    `json:"batches"`
}

// AggregateInput builds a parent's aggregate table from child tables.
type AggregateInput struct {
	NodeID string `json:"node_id"`
}

// AggregateResult reports the aggregate table, or that children are still
// outstanding.
type AggregateResult struct {
	Built        bool   `json:"built"`
	TableID      string `json:"table_id,omitempty"`
	Version      int    `json:"version"`
	Rows         int    `json:"rows"`
	ChildrenDone int    `json:"children_done"`
	ChildrenAll  int    `json:"children_all"`
}

// ResetTasksInput re-arms a node's tasks for retry.
type ResetTasksInput struct {
	NodeID     string `json:"node_id"`
	FailedOnly bool   `json:"failed_only"`
}

// ResetTasksResult reports the reset task set for re-dispatch.
type ResetTasksResult struct {
	Tasks   []TaskRef `json:"tasks"`
	ModelID string    `json:"model_id"`
}

// NodeStatusInput updates a node's lifecycle status.
type NodeStatusInput struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EventInput publishes one research progress event.
type EventInput struct {
	SessionID string                 `json:"session_id"`
	NodeID    string                 `json:"node_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Level     int                    `json:"level"`
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message,omitempty"`
	RowIndex  *int                   `json:"row_index,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}
