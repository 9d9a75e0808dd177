package activities

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/metrics"
)

// ResetNodeTasks re-arms a node's tasks for retry and returns the reset set
// for dispatch. Failed-only retries touch just the failed tasks; full retries
// reset everything and drop the node's table so a stale synthesis is never
// served next to regenerated research. Reset tasks keep their row index and
// lineage and gain one retry count.
func (a *Activities) ResetNodeTasks(ctx context.Context, input ResetTasksInput) (*ResetTasksResult, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError("node not found", "NotFound", err)
		}
		return nil, err
	}

	tasks, err := a.dbClient.ResetTasks(ctx, nodeID, input.FailedOnly)
	if err != nil {
		return nil, err
	}

	if !input.FailedOnly {
		if err := a.dbClient.DeleteTable(ctx, nodeID); err != nil {
			return nil, err
		}
	}

	if err := a.dbClient.MarkNodeProcessing(ctx, nodeID); err != nil {
		return nil, err
	}

	scope := "all"
	if input.FailedOnly {
		scope = "failed"
	}
	result := &ResetTasksResult{ModelID: node.ModelID, Tasks: make([]TaskRef, 0, len(tasks))}
	for _, t := range tasks {
		result.Tasks = append(result.Tasks, TaskRef{TaskID: t.ID.String(), RowIndex: t.RowIndex})
		rowIdx := t.RowIndex
		a.emit(ctx, EventInput{
			SessionID: node.SessionID.String(),
			NodeID:    input.NodeID,
			TaskID:    t.ID.String(),
			Level:     node.Level,
			Kind:      db.EventTaskRetry,
			RowIndex:  &rowIdx,
			Detail:    map[string]interface{}{"retry_count": t.RetryCount, "scope": scope},
		})
		metrics.TaskRetries.WithLabelValues(scope).Inc()
	}

	a.recordProgress(ctx, node)
	a.logger.Info("Reset node tasks for retry",
		zap.String("node_id", input.NodeID),
		zap.Bool("failed_only", input.FailedOnly),
		zap.Int("tasks", len(result.Tasks)),
	)

	return result, nil
}
