package workflows

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

func syncPlan() activities.DispatchPlan {
	return activities.DispatchPlan{
		Async:             false,
		MaxParallel:       10,
		MaxGenerationTime: 3 * time.Minute,
	}
}

func registerStatusMocks(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)
}

// TestNodeWorkflowHappyPath runs three tasks to completion and expects one
// synthesis producing the node's table.
func TestNodeWorkflowHappyPath(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{
				ModelID: "fast-model",
				Tasks: []activities.TaskRef{
					{TaskID: "t0", RowIndex: 0},
					{TaskID: "t1", RowIndex: 1},
					{TaskID: "t2", RowIndex: 2},
				},
			}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)

	var executed int32
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			atomic.AddInt32(&executed, 1)
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

	synthesisCalls := 0
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.SynthesizeInput) (activities.SynthesizeResult, error) {
			synthesisCalls++
			return activities.SynthesizeResult{TableID: "tbl-1", Version: 1, Rows: 7}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.TasksTotal)
	assert.Equal(t, 0, result.TasksFailed)
	assert.Equal(t, 1, result.TableVersion)
	assert.Equal(t, 7, result.TableRows)
	assert.Equal(t, int32(3), atomic.LoadInt32(&executed))
	assert.Equal(t, 1, synthesisCalls)
}

// TestNodeWorkflowTaskFailureSkipsSynthesis has one of five tasks fail; the
// completion decision marks the node failed and no table is synthesized.
func TestNodeWorkflowTaskFailureSkipsSynthesis(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	tasks := []activities.TaskRef{
		{TaskID: "t0", RowIndex: 0},
		{TaskID: "t1", RowIndex: 1},
		{TaskID: "t2", RowIndex: 2},
		{TaskID: "t3", RowIndex: 3},
		{TaskID: "t4", RowIndex: 4},
	}
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{ModelID: "fast-model", Tasks: tasks}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			status := db.StatusCompleted
			if input.TaskID == "t2" {
				status = db.StatusFailed
			}
			return activities.ExecuteTaskResult{TaskID: input.TaskID, Status: status}, nil
		},
		activity.RegisterOptions{Name: "ExecuteTask"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.CompletionInput) (activities.CompletionDecision, error) {
			return activities.CompletionDecision{Failed: true}, nil
		},
		activity.RegisterOptions{Name: "EvaluateNodeCompletion"},
	)

	synthesisCalls := 0
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.SynthesizeInput) (activities.SynthesizeResult, error) {
			synthesisCalls++
			return activities.SynthesizeResult{}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusFailed, result.Status)
	assert.Equal(t, 1, result.TasksFailed)
	assert.Equal(t, 0, synthesisCalls, "synthesis must not run for a failed node")
}

// TestNodeWorkflowRecordsExhaustedTask covers the path where the task
// activity errors out past its retries: the workflow records the failure
// through FailTask so the database tally stays truthful.
func TestNodeWorkflowRecordsExhaustedTask(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{
				ModelID: "fast-model",
				Tasks:   []activities.TaskRef{{TaskID: "t0", RowIndex: 0}},
			}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			return activities.ExecuteTaskResult{}, temporal.NewNonRetryableApplicationError(
				"generation backend gone", "BackendUnavailable", nil)
		},
		activity.RegisterOptions{Name: "ExecuteTask"},
	)

	var failedTaskID string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FailTaskInput) error {
			failedTaskID = input.TaskID
			return nil
		},
		activity.RegisterOptions{Name: "FailTask"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.CompletionInput) (activities.CompletionDecision, error) {
			return activities.CompletionDecision{Failed: true}, nil
		},
		activity.RegisterOptions{Name: "EvaluateNodeCompletion"},
	)

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusFailed, result.Status)
	assert.Equal(t, 1, result.TasksFailed)
	assert.Equal(t, "t0", failedTaskID)
}

// TestNodeWorkflowAsyncWaves dispatches five deep-model tasks with a batch
// size of two and verifies every task still executes exactly once.
func TestNodeWorkflowAsyncWaves(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	tasks := []activities.TaskRef{
		{TaskID: "t0"}, {TaskID: "t1"}, {TaskID: "t2"}, {TaskID: "t3"}, {TaskID: "t4"},
	}
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{ModelID: "deep-model", Tasks: tasks}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return activities.DispatchPlan{
				Async:             true,
				BatchSize:         2,
				BatchDelay:        10 * time.Second,
				MaxGenerationTime: 30 * time.Minute,
				PollInterval:      15 * time.Second,
				MaxPolls:          240,
			}, nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)

	var executed int32
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
			atomic.AddInt32(&executed, 1)
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
			return activities.SynthesizeResult{Version: 1, Rows: 5}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{NodeID: "n1", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int32(5), atomic.LoadInt32(&executed))

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.StatusCompleted, result.Status)
}

// TestNodeWorkflowSignalsParent verifies the completed node pings its
// parent's aggregation workflow.
func TestNodeWorkflowSignalsParent(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{
				ModelID: "fast-model",
				Tasks:   []activities.TaskRef{{TaskID: "t0"}},
			}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
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
			return activities.SynthesizeResult{Version: 1, Rows: 1}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)

	env.OnSignalExternalWorkflow(mock.Anything, "aggregate-parent", "",
		SignalChildrenCompleted, ChildCompleted{ChildNodeID: "n1", Status: db.StatusCompleted}).
		Return(nil).Once()

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{
		NodeID:           "n1",
		SessionID:        "s1",
		ParentWorkflowID: AggregationWorkflowID("parent"),
	})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

// TestNodeWorkflowZeroRowsSingleTask is the root-node case: no parent table
// means fan-out produced one task from the raw template.
func TestNodeWorkflowZeroRowsSingleTask(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	registerStatusMocks(env)

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.FanOutInput) (activities.FanOutResult, error) {
			return activities.FanOutResult{
				ModelID: "fast-model",
				Tasks:   []activities.TaskRef{{TaskID: "root-task", RowIndex: 0}},
			}, nil
		},
		activity.RegisterOptions{Name: "FanOutTasks"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.PlanInput) (activities.DispatchPlan, error) {
			return syncPlan(), nil
		},
		activity.RegisterOptions{Name: "GetDispatchPlan"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.ExecuteTaskInput) (activities.ExecuteTaskResult, error) {
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
			return activities.SynthesizeResult{Version: 1, Rows: 12}, nil
		},
		activity.RegisterOptions{Name: "SynthesizeTable"},
	)

	env.ExecuteWorkflow(NodeWorkflow, NodeWorkflowInput{NodeID: "root", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result NodeWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.TasksTotal)
	assert.Equal(t, db.StatusCompleted, result.Status)
}
