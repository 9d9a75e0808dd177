package workflows

// NodeWorkflowInput drives one node's research run: fan-out, task execution,
// completion decision, and table synthesis.
type NodeWorkflowInput struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"session_id"`
	// ParentWorkflowID, when set, receives a children-completed signal once
	// this node reaches a terminal state.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
}

// NodeWorkflowResult reports the node's terminal state.
type NodeWorkflowResult struct {
	NodeID       string `json:"node_id"`
	Status       string `json:"status"`
	TasksTotal   int    `json:"tasks_total"`
	TasksFailed  int    `json:"tasks_failed"`
	TableVersion int    `json:"table_version,omitempty"`
	TableRows    int    `json:"table_rows,omitempty"`
}

// AggregationWorkflowInput drives cross-level aggregation for one parent
// node. The workflow waits on children-completed signals and builds the
// aggregate table once every child is completed with a table.
type AggregationWorkflowInput struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"session_id"`
}

// AggregationWorkflowResult reports the aggregate table.
type AggregationWorkflowResult struct {
	NodeID  string `json:"node_id"`
	Version int    `json:"version"`
	Rows    int    `json:"rows"`
}

// RetryWorkflowInput re-runs a node's tasks. FailedOnly limits the reset to
// failed tasks; otherwise every task is redone and the node's table dropped.
type RetryWorkflowInput struct {
	NodeID           string `json:"node_id"`
	SessionID        string `json:"session_id"`
	FailedOnly       bool   `json:"failed_only"`
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
}

// RegenerateWorkflowInput re-runs table synthesis for a node whose tasks are
// already completed, picking up any edits to the structuring instruction.
type RegenerateWorkflowInput struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"session_id"`
}
