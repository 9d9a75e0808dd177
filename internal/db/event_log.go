package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEventLog appends one audit row. Append-only: there is no update or
// delete path short of the session cascade.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, session_id, node_id, task_id, level, kind, message, detail, timestamp, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO NOTHING
    `, e.ID, e.SessionID, e.NodeID, e.TaskID, e.Level, e.Kind, e.Message, e.Detail, e.Timestamp, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save event log: %w", err)
	}
	return nil
}

// ListEvents returns a session's events, oldest first, for the progress feed
// backfill.
func (c *Client) ListEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]EventLog, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []EventLog
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, session_id, node_id, task_id, level, kind, message, detail, timestamp, created_at
        FROM event_logs WHERE session_id = $1
        ORDER BY timestamp LIMIT $2
    `, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// ListNodeEvents returns events for one node, oldest first.
func (c *Client) ListNodeEvents(ctx context.Context, nodeID uuid.UUID, limit int) ([]EventLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []EventLog
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, session_id, node_id, task_id, level, kind, message, detail, timestamp, created_at
        FROM event_logs WHERE node_id = $1
        ORDER BY timestamp LIMIT $2
    `, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list node events: %w", err)
	}
	return out, nil
}
