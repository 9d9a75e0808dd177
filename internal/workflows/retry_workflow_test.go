package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

// TestRetryWorkflowFailedOnly resets and re-executes only the failed task;
// the surviving results stay put and synthesis runs once the node is ready.
func TestRetryWorkflowFailedOnly(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var resetInput activities.ResetTasksInput
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ResetTasksInput) (activities.ResetTasksResult, error) {
			resetInput = input
			return activities.ResetTasksResult{
				ModelID: "fast-model",
				Tasks:   []activities.TaskRef{{TaskID: "t2", RowIndex: 2}},
			}, nil
		},
		activity.RegisterOptions{Name: "ResetNodeTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)

	var executedIDs []string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			executedIDs = append(executedIDs, input.TaskID)
			return activities.ExecuteTaskResult{TaskID: input.TaskID, Status: db.StatusCompleted}, nil
		},
		activity.RegisterOptions{Name: "ExecuteTask"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.CompletionInput) (activities.CompletionDecision, error) {
			return activities.CompletionDecision{Ready: true}, nil
		},
		activity.RegisterOptions{Name: "EvaluateNodeCompletion"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.SynthesizeInput) (activities.SynthesizeResult, error) {
			return activities.SynthesizeResult{Version: 2, Rows: 5}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)
	var emitted []string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.EventInput) error {
			emitted = append(emitted, input.Kind)
			return nil
		},
		activity.RegisterOptions{Name: "EmitResearchEvent"},
	)

	env.ExecuteWorkflow(RetryWorkflow, RetryWorkflowInput{
		NodeID:     "n1",
		SessionID:  "s1",
		FailedOnly: true,
	})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	assert.True(t, resetInput.FailedOnly)
	assert.Equal(t, []string{"t2"}, executedIDs, "only the failed task re-executes")
	assert.Equal(t, []string{db.EventTaskRetry}, emitted)

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.TableVersion, "regenerated table carries a bumped version")
}

// TestRetryWorkflowAllRedispatchesEverything resets the full task set.
func TestRetryWorkflowAllRedispatchesEverything(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ResetTasksInput) (activities.ResetTasksResult, error) {
			assert.False(t, input.FailedOnly)
			return activities.ResetTasksResult{
				ModelID: "fast-model",
				Tasks: []activities.TaskRef{
					{TaskID: "t0", RowIndex: 0},
					{TaskID: "t1", RowIndex: 1},
					{TaskID: "t2", RowIndex: 2},
				},
			}, nil
		},
		activity.RegisterOptions{Name: "ResetNodeTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)

	executed := 0
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			executed++
			return activities.ExecuteTaskResult{TaskID: input.TaskID, Status: db.StatusCompleted}, nil
		},
		activity.RegisterOptions{Name: "ExecuteTask"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.CompletionInput) (activities.CompletionDecision, error) {
			return activities.CompletionDecision{Ready: true}, nil
		},
		activity.RegisterOptions{Name: "EvaluateNodeCompletion"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.SynthesizeInput) (activities.SynthesizeResult, error) {
			return activities.SynthesizeResult{Version: 3, Rows: 8}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.EventInput) error { return nil },
		activity.RegisterOptions{Name: "EmitResearchEvent"},
	)

	env.ExecuteWorkflow(RetryWorkflow, RetryWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, executed)
}

// TestRegenerateWorkflow re-runs synthesis only.
func TestRegenerateWorkflow(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.SynthesizeInput) (activities.SynthesizeResult, error) {
			assert.Equal(t, "n1", input.NodeID)
			return activities.SynthesizeResult{Version: 4, Rows: 11}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)
	var emitted []string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.EventInput) error {
			emitted = append(emitted, input.Kind)
			return nil
		},
		activity.RegisterOptions{Name: "EmitResearchEvent"},
	)

	env.ExecuteWorkflow(RegenerateWorkflow, RegenerateWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusCompleted, result.Status)
	assert.Equal(t, 4, result.TableVersion)
	assert.Equal(t, 11, result.TableRows)
	assert.Equal(t, []string{db.EventTableGenStarted}, emitted)
}
