package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/arbor-research/arbor/internal/activities"
	"github.com/arbor-research/arbor/internal/db"
)

// TestAggregationWaitsForAllChildren drives the workflow with two child
// signals; the aggregate is only built once the fresh tally says both
// children are done.
func TestAggregationWaitsForAllChildren(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	childrenDone := 0
	buildCalls := 0
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.AggregateInput) (activities.AggregateResult, error) {
			buildCalls++
			if childrenDone < 2 {
				return activities.AggregateResult{Built: false, ChildrenDone: childrenDone, ChildrenAll: 2}, nil
			}
			return activities.AggregateResult{Built: true, Version: 1, Rows: 9, ChildrenDone: 2, ChildrenAll: 2}, nil
		},
		activity.RegisterOptions{Name: "BuildAggregateTable"},
	)

	var finalStatus string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			finalStatus = input.Status
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)

	env.RegisterDelayedCallback(func() {
		childrenDone = 1
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c1", Status: db.StatusCompleted})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		childrenDone = 2
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c2", Status: db.StatusCompleted})
	}, 2*time.Minute)

	env.ExecuteWorkflow(AggregationWorkflow, AggregationWorkflowInput{NodeID: "parent", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result AggregationWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.Version)
	assert.Equal(t, 9, result.Rows)
	assert.Equal(t, db.StatusCompleted, finalStatus)
	assert.Equal(t, 3, buildCalls, "one eager build plus one per signal")
}

// TestAggregationBuildsImmediatelyWhenChildrenAlreadyDone covers the late
// start: all children finished before the aggregation workflow began, so the
// first evaluation builds without waiting for any signal.
func TestAggregationBuildsImmediatelyWhenChildrenAlreadyDone(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.AggregateInput) (activities.AggregateResult, error) {
			return activities.AggregateResult{Built: true, Version: 2, Rows: 4, ChildrenDone: 3, ChildrenAll: 3}, nil
		},
		activity.RegisterOptions{Name: "BuildAggregateTable"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)

	env.ExecuteWorkflow(AggregationWorkflow, AggregationWorkflowInput{NodeID: "parent", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result AggregationWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 2, result.Version)
}

// TestAggregationDuplicateSignalsAreHarmless sends the same child's signal
// twice; the database tally is the source of truth so the duplicate only
// triggers one extra no-op evaluation.
func TestAggregationDuplicateSignalsAreHarmless(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	childrenDone := 0
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.AggregateInput) (activities.AggregateResult, error) {
			if childrenDone < 2 {
				return activities.AggregateResult{Built: false, ChildrenDone: childrenDone, ChildrenAll: 2}, nil
			}
			return activities.AggregateResult{Built: true, Version: 1, Rows: 2, ChildrenDone: 2, ChildrenAll: 2}, nil
		},
		activity.RegisterOptions{Name: "BuildAggregateTable"},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)

	env.RegisterDelayedCallback(func() {
		childrenDone = 1
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c1", Status: db.StatusCompleted})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c1", Status: db.StatusCompleted})
	}, 2*time.Minute)
	env.RegisterDelayedCallback(func() {
		childrenDone = 2
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c2", Status: db.StatusCompleted})
	}, 3*time.Minute)

	env.ExecuteWorkflow(AggregationWorkflow, AggregationWorkflowInput{NodeID: "parent", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result AggregationWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.Version)
}

// TestAggregationFailedChildKeepsWaiting drives a child failure followed by a
// successful retry of that child. The failure must not end the workflow; the
// retried child's completion signal still reaches a live workflow and the
// aggregate gets built.
func TestAggregationFailedChildKeepsWaiting(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	childOK := false
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.AggregateInput) (activities.AggregateResult, error) {
			if !childOK {
				return activities.AggregateResult{Built: false, ChildrenDone: 0, ChildrenAll: 1}, nil
			}
			return activities.AggregateResult{Built: true, Version: 1, Rows: 3, ChildrenDone: 1, ChildrenAll: 1}, nil
		},
		activity.RegisterOptions{Name: "BuildAggregateTable"},
	)
	var finalStatus string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			finalStatus = input.Status
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c1", Status: db.StatusFailed})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		childOK = true
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c1", Status: db.StatusCompleted})
	}, time.Hour)

	env.ExecuteWorkflow(AggregationWorkflow, AggregationWorkflowInput{NodeID: "parent", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())

	var result AggregationWorkflowResult
	assert.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, result.Rows)
	assert.Equal(t, db.StatusCompleted, finalStatus)
}

// TestAggregationDeadlineMarksNodeFailed covers the other side of the wait: a
// child that fails and is never retried is absorbed by the deadline, which
// marks the parent failed and ends the workflow with an error.
func TestAggregationDeadlineMarksNodeFailed(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.AggregateInput) (activities.AggregateResult, error) {
			return activities.AggregateResult{Built: false, ChildrenDone: 1, ChildrenAll: 2}, nil
		},
		activity.RegisterOptions{Name: "BuildAggregateTable"},
	)
	var finalStatus string
	env.RegisterActivityWithOptions(
		func(ctx context.Context, input activities.NodeStatusInput) error {
			finalStatus = input.Status
			return nil
		},
		activity.RegisterOptions{Name: "UpdateNodeStatus"},
	)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalChildrenCompleted, ChildCompleted{ChildNodeID: "c2", Status: db.StatusFailed})
	}, time.Minute)

	env.ExecuteWorkflow(AggregationWorkflow, AggregationWorkflowInput{NodeID: "parent", SessionID: "s1"})

	assert.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, db.StatusFailed, finalStatus)
}
