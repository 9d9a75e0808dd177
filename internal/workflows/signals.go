package workflows

// SignalChildrenCompleted is sent to a parent's aggregation workflow each
// time one of its children reaches a terminal state.
const SignalChildrenCompleted = "children_completed"

// ChildCompleted is the children-completed signal payload.
type ChildCompleted struct {
	ChildNodeID string `json:"child_node_id"`
	Status      string `json:"status"`
}

// AggregationWorkflowID returns the deterministic workflow id used for a
// parent node's aggregation run, so child workflows can signal it without
// coordination.
func AggregationWorkflowID(nodeID string) string {
	return "aggregate-" + nodeID
}

// NodeWorkflowID returns the deterministic workflow id for a node's research
// run. Reusing the id makes duplicate start requests collapse into one run.
func NodeWorkflowID(nodeID string) string {
	return "node-" + nodeID
}

// RetryWorkflowID returns the workflow id for a node retry run.
func RetryWorkflowID(nodeID string) string {
	return "retry-" + nodeID
}

// RegenerateWorkflowID returns the workflow id for a table regeneration run.
func RegenerateWorkflowID(nodeID string) string {
	return "regenerate-" + nodeID
}
