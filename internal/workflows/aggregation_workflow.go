package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

// aggregationMaxWait bounds how long an aggregation workflow waits for
// stragglers before attempting one final build and giving up.
const aggregationMaxWait = 24 * time.Hour

// AggregationWorkflow collects a parent node's children into one aggregate
// table. Child node workflows signal their terminal status; after every
// signal the workflow asks the database for a fresh tally and builds the
// table only when all children are done. The signal is a wake-up, not the
// source of truth, so duplicate or lost signals cannot corrupt the result.
func AggregationWorkflow(ctx workflow.Context, input AggregationWorkflowInput) (AggregationWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting AggregationWorkflow",
		"node_id", input.NodeID,
		"session_id", input.SessionID,
	)

	result := AggregationWorkflowResult{NodeID: input.NodeID}

	actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
		},
	})

	signalChan := workflow.GetSignalChannel(ctx, SignalChildrenCompleted)
	deadline := workflow.Now(ctx).Add(aggregationMaxWait)

	for {
		var agg activities.AggregateResult
		if err := workflow.ExecuteActivity(actCtx, "BuildAggregateTable", activities.AggregateInput{
			NodeID: input.NodeID,
		}).Get(ctx, &agg); err != nil {
			return result, err
		}
		if agg.Built {
			result.Version = agg.Version
			result.Rows = agg.Rows
			if err := workflow.ExecuteActivity(actCtx, "UpdateNodeStatus", activities.NodeStatusInput{
				NodeID: input.NodeID,
				Status: db.StatusCompleted,
			}).Get(ctx, nil); err != nil {
				return result, err
			}
			logger.Info("Aggregate table built",
				"node_id", input.NodeID,
				"version", agg.Version,
				"rows", agg.Rows,
				"children", agg.ChildrenAll,
			)
			return result, nil
		}

		logger.Info("Waiting for children",
			"node_id", input.NodeID,
			"children_done", agg.ChildrenDone,
			"children_all", agg.ChildrenAll,
		)

		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timedOut := false
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(signalChan, func(c workflow.ReceiveChannel, _ bool) {
			var child ChildCompleted
			c.Receive(ctx, &child)
			logger.Info("Child reported terminal state",
				"child_node_id", child.ChildNodeID,
				"status", child.Status,
			)
		})
		selector.AddFuture(workflow.NewTimer(timerCtx, deadline.Sub(workflow.Now(ctx))), func(workflow.Future) {
			timedOut = true
		})
		selector.Select(ctx)
		cancelTimer()

		// Drain signals that queued while we were building; one more
		// evaluation covers all of them.
		for signalChan.ReceiveAsync(&ChildCompleted{}) {
		}

		if timedOut {
			logger.Warn("Aggregation timed out waiting for children", "node_id", input.NodeID)
			_ = workflow.ExecuteActivity(actCtx, "UpdateNodeStatus", activities.NodeStatusInput{
				NodeID: input.NodeID,
				Status: db.StatusFailed,
				Reason: "aggregation timed out waiting for children",
			}).Get(ctx, nil)
			return result, temporal.NewApplicationError("children did not complete in time", "AggregationTimeout")
		}
	}
}
