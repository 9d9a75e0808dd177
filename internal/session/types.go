package session

import "time"

// NodeProgress is the cached live view of one node's task tallies. It exists
// for cheap status reads; the database tally remains the source of truth for
// completion decisions.
type NodeProgress struct {
	NodeID         string    `json:"node_id"`
	Level          int       `json:"level"`
	Status         string    `json:"status"`
	TasksTotal     int       `json:"tasks_total"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	TableVersion   int       `json:"table_version,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Progress is the per-session progress snapshot.
type Progress struct {
	SessionID string                  `json:"session_id"`
	Nodes     map[string]NodeProgress `json:"nodes"`
	UpdatedAt time.Time               `json:"updated_at"`
}
