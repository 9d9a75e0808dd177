package activities

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/arbor-research/arbor/internal/db"
)

// UpdateNodeStatus transitions a node's lifecycle status and emits the
// matching event.
func (a *Activities) UpdateNodeStatus(ctx context.Context, input NodeStatusInput) error {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	var kind string
	switch input.Status {
	case db.StatusProcessing:
		err = a.dbClient.MarkNodeProcessing(ctx, nodeID)
		kind = db.EventNodeStarted
	case db.StatusCompleted:
		err = a.dbClient.MarkNodeCompleted(ctx, nodeID)
		kind = db.EventNodeCompleted
	case db.StatusFailed:
		err = a.dbClient.MarkNodeFailed(ctx, nodeID, input.Reason)
		kind = db.EventNodeFailed
	default:
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unsupported node status %q", input.Status), "BadInput", nil)
	}
	if err != nil {
		return err
	}

	node.Status = input.Status
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    input.NodeID,
		Level:     node.Level,
		Kind:      kind,
		Message:   input.Reason,
	})
	a.recordProgress(ctx, node)
	return nil
}

// FailTaskInput marks one task failed after its activity retries ran out.
type FailTaskInput struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// FailTask records a terminal task failure from the workflow side. Used when
// the execution activity itself could not finish (worker loss, heartbeat
// timeout, retries exhausted) and so never wrote the failure itself.
func (a *Activities) FailTask(ctx context.Context, input FailTaskInput) error {
	taskID, err := uuid.Parse(input.TaskID)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("invalid task id", "BadInput", err)
	}

	task, err := a.dbClient.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	// The activity may have completed the task right before dying.
	if task.Status == db.StatusCompleted {
		return nil
	}

	if err := a.dbClient.MarkTaskFailed(ctx, taskID, input.Reason); err != nil {
		return err
	}

	node, err := a.dbClient.GetNode(ctx, task.NodeID)
	if err != nil {
		return err
	}
	rowIdx := task.RowIndex
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    node.ID.String(),
		TaskID:    input.TaskID,
		Level:     node.Level,
		Kind:      db.EventTaskFailed,
		Message:   input.Reason,
		RowIndex:  &rowIdx,
	})
	a.recordProgress(ctx, node)
	return nil
}
