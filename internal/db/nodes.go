package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateNode inserts a node. The caller assigns Level (0 for the root,
// parent.Level+1 otherwise); the store enforces the edge invariant.
func (c *Client) CreateNode(ctx context.Context, n *Node) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = StatusPending
	}

	if n.ParentID != nil {
		parent, err := c.GetNode(ctx, *n.ParentID)
		if err != nil {
			return fmt.Errorf("failed to resolve parent node: %w", err)
		}
		if n.Level != parent.Level+1 {
			return fmt.Errorf("node level %d does not extend parent level %d", n.Level, parent.Level)
		}
	} else if n.Level != 0 {
		return fmt.Errorf("root node must have level 0, got %d", n.Level)
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO nodes (
            id, session_id, parent_id, level, prompt_template, model_id,
            status, error_message, started_at, completed_at, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `, n.ID, n.SessionID, n.ParentID, n.Level, n.PromptTemplate, n.ModelID,
		n.Status, n.ErrorMessage, n.StartedAt, n.CompletedAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// GetNode fetches one node by id.
func (c *Client) GetNode(ctx context.Context, id uuid.UUID) (*Node, error) {
	var n Node
	err := c.dbx.GetContext(ctx, &n, `
        SELECT id, session_id, parent_id, level, prompt_template, model_id,
               status, error_message, started_at, completed_at, created_at, updated_at
        FROM nodes WHERE id = $1
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return &n, nil
}

// ListNodesBySession returns all nodes of a session ordered by level then
// creation time, suitable for tree reconstruction via parent ids.
func (c *Client) ListNodesBySession(ctx context.Context, sessionID uuid.UUID) ([]Node, error) {
	var out []Node
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, session_id, parent_id, level, prompt_template, model_id,
               status, error_message, started_at, completed_at, created_at, updated_at
        FROM nodes WHERE session_id = $1
        ORDER BY level, created_at
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return out, nil
}

// ListChildren returns the direct children of a node ordered by creation time.
func (c *Client) ListChildren(ctx context.Context, parentID uuid.UUID) ([]Node, error) {
	var out []Node
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, session_id, parent_id, level, prompt_template, model_id,
               status, error_message, started_at, completed_at, created_at, updated_at
        FROM nodes WHERE parent_id = $1
        ORDER BY created_at
    `, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return out, nil
}

// MarkNodeProcessing transitions a node to processing and stamps started_at
// on the first transition only, so workflow-step replays do not move it.
func (c *Client) MarkNodeProcessing(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE nodes
        SET status = $2,
            error_message = NULL,
            started_at = COALESCE(started_at, $3),
            completed_at = NULL,
            updated_at = $3
        WHERE id = $1
    `, id, StatusProcessing, now)
	if err != nil {
		return fmt.Errorf("failed to mark node processing: %w", err)
	}
	return nil
}

// MarkNodeCompleted records node success. Unconditional overwrite keeps the
// update idempotent under workflow-step retries.
func (c *Client) MarkNodeCompleted(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE nodes
        SET status = $2, error_message = NULL, completed_at = $3, updated_at = $3
        WHERE id = $1
    `, id, StatusCompleted, now)
	if err != nil {
		return fmt.Errorf("failed to mark node completed: %w", err)
	}
	return nil
}

// MarkNodeFailed records node failure with a human-readable reason.
func (c *Client) MarkNodeFailed(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE nodes
        SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
        WHERE id = $1
    `, id, StatusFailed, reason, now)
	if err != nil {
		return fmt.Errorf("failed to mark node failed: %w", err)
	}
	return nil
}

// ChildrenTerminalState reports whether every child of parentID is completed
// with a table (allDone), or whether any child has failed (anyFailed). Always
// a fresh read: aggregation decisions must not trust cached counts.
func (c *Client) ChildrenTerminalState(ctx context.Context, parentID uuid.UUID) (allDone bool, anyFailed bool, total int, err error) {
	var tally struct {
		Total           int `db:"total"`
		CompletedTabled int `db:"completed_tabled"`
		Failed          int `db:"failed"`
	}
	err = c.dbx.GetContext(ctx, &tally, `
        SELECT COUNT(*) AS total,
               COUNT(*) FILTER (WHERE n.status = 'completed' AND t.id IS NOT NULL) AS completed_tabled,
               COUNT(*) FILTER (WHERE n.status = 'failed') AS failed
        FROM nodes n
        LEFT JOIN tables t ON t.node_id = n.id
        WHERE n.parent_id = $1
    `, parentID)
	if err != nil {
		return false, false, 0, fmt.Errorf("failed to tally children: %w", err)
	}
	allDone = tally.Total > 0 && tally.CompletedTabled == tally.Total
	return allDone, tally.Failed > 0, tally.Total, nil
}
