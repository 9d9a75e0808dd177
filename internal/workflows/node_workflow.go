package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

// NodeWorkflow runs one node's research from fan-out to table. The shape is
// fan-out/fan-in: tasks execute as parallel activities, the completion
// decision reads a fresh database tally once every dispatched task has come
// back, and synthesis runs at most once. Deep model classes are dispatched
// in throttled waves to keep the generation service under its burst limits.
func NodeWorkflow(ctx workflow.Context, input NodeWorkflowInput) (NodeWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting NodeWorkflow",
		"node_id", input.NodeID,
		"session_id", input.SessionID,
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

	if err := workflow.ExecuteActivity(quickCtx, "UpdateNodeStatus", activities.NodeStatusInput{
		NodeID: input.NodeID,
		Status: db.StatusProcessing,
	}).Get(ctx, nil); err != nil {
		return result, err
	}

	var fanOut activities.FanOutResult
	if err := workflow.ExecuteActivity(quickCtx, "FanOutTasks", activities.FanOutInput{
		NodeID: input.NodeID,
	}).Get(ctx, &fanOut); err != nil {
		_ = workflow.ExecuteActivity(quickCtx, "UpdateNodeStatus", activities.NodeStatusInput{
			NodeID: input.NodeID,
			Status: db.StatusFailed,
			Reason: "task fan-out failed: " + err.Error(),
		}).Get(ctx, nil)
		return result, err
	}
	result.TasksTotal = len(fanOut.Tasks)

	var plan activities.DispatchPlan
	if err := workflow.ExecuteActivity(quickCtx, "GetDispatchPlan", activities.PlanInput{
		ModelID: fanOut.ModelID,
	}).Get(ctx, &plan); err != nil {
		return result, err
	}

	result.TasksFailed = dispatchTasks(ctx, &plan, fanOut.ModelID, fanOut.Tasks)

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

	logger.Info("NodeWorkflow finished",
		"node_id", input.NodeID,
		"status", status,
		"tasks", result.TasksTotal,
		"failed_tasks", result.TasksFailed,
	)
	return result, nil
}

// dispatchTasks executes the task set and returns the number of failures.
// Async classes run in waves of BatchSize with BatchDelay between wave
// starts; sync classes run in parallel slices of MaxParallel.
func dispatchTasks(ctx workflow.Context, plan *activities.DispatchPlan, modelID string, tasks []activities.TaskRef) int {
	if len(tasks) == 0 {
		return 0
	}

	execCtx := workflow.WithActivityOptions(ctx, executeOptions(plan))
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	waveSize := plan.MaxParallel
	if plan.Async {
		waveSize = plan.BatchSize
	}
	if waveSize < 1 {
		waveSize = 1
	}

	resultChan := workflow.NewChannel(ctx)
	failed := 0
	for start := 0; start < len(tasks); start += waveSize {
		if plan.Async && start > 0 && plan.BatchDelay > 0 {
			_ = workflow.Sleep(ctx, plan.BatchDelay)
		}

		end := start + waveSize
		if end > len(tasks) {
			end = len(tasks)
		}
		wave := tasks[start:end]

		for _, ref := range wave {
			task := ref
			workflow.Go(ctx, func(gCtx workflow.Context) {
				var res activities.ExecuteTaskResult
				err := workflow.ExecuteActivity(execCtx, "ExecuteTask", activities.ExecuteTaskInput{
					TaskID:  task.TaskID,
					ModelID: modelID,
				}).Get(gCtx, &res)
				if err != nil {
					// Retries are spent; record the failure so the completion
					// decision sees a terminal state.
					_ = workflow.ExecuteActivity(failCtx, "FailTask", activities.FailTaskInput{
						TaskID: task.TaskID,
						Reason: err.Error(),
					}).Get(gCtx, nil)
					resultChan.Send(gCtx, db.StatusFailed)
					return
				}
				resultChan.Send(gCtx, res.Status)
			})
		}

		for range wave {
			var status string
			resultChan.Receive(ctx, &status)
			if status == db.StatusFailed {
				failed++
			}
		}
	}
	return failed
}

// decideAndSynthesize evaluates completion and runs synthesis when the node
// is ready. Returns the node's terminal status.
func decideAndSynthesize(ctx workflow.Context, quickCtx workflow.Context, nodeID string) (string, *activities.SynthesizeResult, error) {
	var decision activities.CompletionDecision
	for {
		if err := workflow.ExecuteActivity(quickCtx, "EvaluateNodeCompletion", activities.CompletionInput{
			NodeID: nodeID,
		}).Get(ctx, &decision); err != nil {
			return db.StatusFailed, nil, err
		}
		if !decision.Waiting {
			break
		}
		// A concurrent retry run still has tasks in flight.
		_ = workflow.Sleep(ctx, 30*time.Second)
	}

	if decision.Failed {
		return db.StatusFailed, nil, nil
	}
	if decision.TableDone {
		return db.StatusCompleted, nil, nil
	}

	synthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	var synth activities.SynthesizeResult
	if err := workflow.ExecuteActivity(synthCtx, "SynthesizeTable", activities.SynthesizeInput{
		NodeID: nodeID,
	}).Get(ctx, &synth); err != nil {
		// Non-retryable synthesis failures already marked the node; mark it
		// here for exhausted retryable ones too.
		_ = workflow.ExecuteActivity(quickCtx, "UpdateNodeStatus", activities.NodeStatusInput{
			NodeID: nodeID,
			Status: db.StatusFailed,
			Reason: "table synthesis failed: " + err.Error(),
		}).Get(ctx, nil)
		return db.StatusFailed, nil, nil
	}
	return db.StatusCompleted, &synth, nil
}

// executeOptions sizes the task activity timeouts from the dispatch plan.
func executeOptions(plan *activities.DispatchPlan) workflow.ActivityOptions {
	opts := workflow.ActivityOptions{
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    2 * time.Minute,
		},
	}
	if plan.Async {
		budget := plan.PollInterval * time.Duration(plan.MaxPolls)
		if budget <= 0 {
			budget = time.Hour
		}
		opts.StartToCloseTimeout = budget + 10*time.Minute
		heartbeat := plan.PollInterval * 4
		if heartbeat < time.Minute {
			heartbeat = time.Minute
		}
		opts.HeartbeatTimeout = heartbeat
	} else {
		opts.StartToCloseTimeout = plan.MaxGenerationTime + 2*time.Minute
	}
	return opts
}

// signalParent notifies the parent's aggregation workflow that this child
// reached a terminal state. A missing parent workflow is not an error; the
// aggregation may not have started or already finished.
func signalParent(ctx workflow.Context, parentWorkflowID, nodeID, status string) {
	if parentWorkflowID == "" {
		return
	}
	err := workflow.SignalExternalWorkflow(ctx, parentWorkflowID, "",
		SignalChildrenCompleted, ChildCompleted{ChildNodeID: nodeID, Status: status}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Failed to signal parent workflow",
			"parent_workflow_id", parentWorkflowID,
			"error", err,
		)
	}
}
