package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTasks inserts a fan-out batch inside one transaction. Inserts are
// keyed on (node_id, row_index) with DO NOTHING so a replayed fan-out step
// never duplicates or reorders tasks.
func (c *Client) CreateTasks(ctx context.Context, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now()
	return c.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if t.ID == uuid.Nil {
				t.ID = uuid.New()
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			t.UpdatedAt = now
			if t.Status == "" {
				t.Status = StatusPending
			}
			_, err := tx.ExecContext(ctx, `
                INSERT INTO tasks (
                    id, node_id, row_index, prompt, status, content, error_message,
                    retry_count, lineage_data, progress, started_at, completed_at,
                    created_at, updated_at
                ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
                ON CONFLICT (node_id, row_index) DO NOTHING
            `, t.ID, t.NodeID, t.RowIndex, t.Prompt, t.Status, t.Content, t.ErrorMessage,
				t.RetryCount, t.LineageData, t.Progress, t.StartedAt, t.CompletedAt,
				t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert task row %d: %w", t.RowIndex, err)
			}
		}
		return nil
	})
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	var t Task
	err := c.dbx.GetContext(ctx, &t, `
        SELECT id, node_id, row_index, prompt, status, content, error_message,
               retry_count, lineage_data, progress, started_at, completed_at,
               created_at, updated_at
        FROM tasks WHERE id = $1
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// ListTasksByNode returns a node's tasks in row-index order — the required
// iteration order for synthesis and lineage merge.
func (c *Client) ListTasksByNode(ctx context.Context, nodeID uuid.UUID) ([]Task, error) {
	var out []Task
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, node_id, row_index, prompt, status, content, error_message,
               retry_count, lineage_data, progress, started_at, completed_at,
               created_at, updated_at
        FROM tasks WHERE node_id = $1
        ORDER BY row_index
    `, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return out, nil
}

// ListTasksByStatus returns a node's tasks with the given status, row-index
// ordered.
func (c *Client) ListTasksByStatus(ctx context.Context, nodeID uuid.UUID, status string) ([]Task, error) {
	var out []Task
	err := c.dbx.SelectContext(ctx, &out, `
        SELECT id, node_id, row_index, prompt, status, content, error_message,
               retry_count, lineage_data, progress, started_at, completed_at,
               created_at, updated_at
        FROM tasks WHERE node_id = $1 AND status = $2
        ORDER BY row_index
    `, nodeID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return out, nil
}

// MarkTaskStarted transitions pending → processing. started_at is stamped on
// the first transition only.
func (c *Client) MarkTaskStarted(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE tasks
        SET status = $2, started_at = COALESCE(started_at, $3), updated_at = $3
        WHERE id = $1
    `, id, StatusProcessing, now)
	if err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	return nil
}

// MarkTaskCompleted stores the generated content and completes the task.
func (c *Client) MarkTaskCompleted(ctx context.Context, id uuid.UUID, content string) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE tasks
        SET status = $2, content = $3, error_message = NULL, completed_at = $4, updated_at = $4
        WHERE id = $1
    `, id, StatusCompleted, content, now)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	return nil
}

// MarkTaskFailed records the failure reason. The retry counter is not touched
// here; it changes only under an explicit retry.
func (c *Client) MarkTaskFailed(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
        UPDATE tasks
        SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
        WHERE id = $1
    `, id, StatusFailed, reason, now)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// UpdateTaskProgress overwrites the opaque progress blob (external job id,
// heartbeat, poll count). An unconditional overwrite is retry-safe.
func (c *Client) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress JSONB) error {
	_, err := c.db.ExecContext(ctx, `
        UPDATE tasks SET progress = $2, updated_at = $3 WHERE id = $1
    `, id, progress, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// CountTasks returns a fresh per-status tally for a node. The completion
// aggregator decides from this read and nothing else.
func (c *Client) CountTasks(ctx context.Context, nodeID uuid.UUID) (TaskCounts, error) {
	var counts TaskCounts
	err := c.dbx.GetContext(ctx, &counts, `
        SELECT COUNT(*) AS total,
               COUNT(*) FILTER (WHERE status = 'pending') AS pending,
               COUNT(*) FILTER (WHERE status = 'processing') AS processing,
               COUNT(*) FILTER (WHERE status = 'completed') AS completed,
               COUNT(*) FILTER (WHERE status = 'failed') AS failed
        FROM tasks WHERE node_id = $1
    `, nodeID)
	if err != nil {
		return TaskCounts{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	return counts, nil
}

// ResetTasks re-arms a node's tasks for retry and returns the reset set in
// row-index order. failedOnly selects status=failed; otherwise every task is
// reset. Status fields are cleared in place — row_index and lineage_data are
// never touched — and retry_count increments once per reset task.
func (c *Client) ResetTasks(ctx context.Context, nodeID uuid.UUID, failedOnly bool) ([]Task, error) {
	query := `
        UPDATE tasks
        SET status = 'pending',
            content = NULL,
            error_message = NULL,
            progress = NULL,
            started_at = NULL,
            completed_at = NULL,
            retry_count = retry_count + 1,
            updated_at = $2
        WHERE node_id = $1`
	if failedOnly {
		query += ` AND status = 'failed'`
	}
	query += `
        RETURNING id, node_id, row_index, prompt, status, content, error_message,
                  retry_count, lineage_data, progress, started_at, completed_at,
                  created_at, updated_at`

	rows, err := c.db.QueryContext(ctx, query, nodeID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to reset tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.NodeID, &t.RowIndex, &t.Prompt, &t.Status,
			&t.Content, &t.ErrorMessage, &t.RetryCount, &t.LineageData, &t.Progress,
			&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reset task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading reset tasks: %w", err)
	}

	// RETURNING order is not defined; restore row-index order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].RowIndex > out[j].RowIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}
