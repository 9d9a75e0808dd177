package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

// RetryWorkflow re-runs a node's tasks after a failure. With FailedOnly only
// the failed tasks are reset and the surviving results are reused at the same
// row positions; otherwise every task is redone and the stale table dropped
// so synthesis starts clean. The dispatch and completion path is shared with
// NodeWorkflow.
func RetryWorkflow(ctx workflow.Context, input RetryWorkflowInput) (NodeWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting RetryWorkflow",
		"node_id", input.NodeID,
		"session_id", input.SessionID,
		"failed_only", input.FailedOnly,
	)

	result := NodeWorkflowResult{NodeID: input.NodeID, Status: db.StatusFailed}

	quickCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
		},
	})

	var reset activities.ResetTasksResult
	if err := workflow.ExecuteActivity(quickCtx, "ResetNodeTasks", activities.ResetTasksInput{
		NodeID:     input.NodeID,
		FailedOnly: input.FailedOnly,
	}).Get(ctx, &reset); err != nil {
		return result, err
	}
	result.TasksTotal = len(reset.Tasks)

	_ = workflow.ExecuteActivity(quickCtx, "EmitResearchEvent", activities.EventInput{
		SessionID: input.SessionID,
		NodeID:    input.NodeID,
		Kind:      db.EventTaskRetry,
		Message:   fmt.Sprintf("re-dispatching %d tasks", len(reset.Tasks)),
	}).Get(ctx, nil)

	var plan activities.DispatchPlan
	if err := workflow.ExecuteActivity(quickCtx, "GetDispatchPlan", activities.PlanInput{
		ModelID: reset.ModelID,
	}).Get(ctx, &plan); err != nil {
		return result, err
	}

	result.TasksFailed = dispatchTasks(ctx, &plan, reset.ModelID, reset.Tasks)

	status, synth, err := decideAndSynthesize(ctx, quickCtx, input.NodeID)
	if err != nil {
		signalParent(ctx, input.ParentWorkflowID, input.NodeID, db.StatusFailed)
		return result, err
	}
	result.Status = status
	if synth != nil {
		result.TableVersion = synth.Version
		result.TableRows = synth.Rows
	}

	signalParent(ctx, input.ParentWorkflowID, input.NodeID, status)

	logger.Info("RetryWorkflow finished",
		"node_id", input.NodeID,
		"status", status,
		"tasks_reset", result.TasksTotal,
		"failed_tasks", result.TasksFailed,
	)
	return result, nil
}

// RegenerateWorkflow re-runs table synthesis for a node whose tasks already
// completed. The existing table survives until the new version is saved; the
// save bumps the table version so readers can tell the regeneration apart.
func RegenerateWorkflow(ctx workflow.Context, input RegenerateWorkflowInput) (NodeWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting RegenerateWorkflow",
		"node_id", input.NodeID,
		"session_id", input.SessionID,
	)

	result := NodeWorkflowResult{NodeID: input.NodeID, Status: db.StatusFailed}

	synthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})

	quickCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	_ = workflow.ExecuteActivity(quickCtx, "EmitResearchEvent", activities.EventInput{
		SessionID: input.SessionID,
		NodeID:    input.NodeID,
		Kind:      db.EventTableGenStarted,
		Message:   "regenerating table",
	}).Get(ctx, nil)

	var synth activities.SynthesizeResult
	if err := workflow.ExecuteActivity(synthCtx, "SynthesizeTable", activities.SynthesizeInput{
		NodeID: input.NodeID,
	}).Get(ctx, &synth); err != nil {
		return result, err
	}

	result.Status = db.StatusCompleted
	result.TableVersion = synth.Version
	result.TableRows = synth.Rows

	logger.Info("RegenerateWorkflow finished",
		"node_id", input.NodeID,
		"version", synth.Version,
		"rows", synth.Rows,
	)
	return result, nil
}
