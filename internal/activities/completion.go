package activities

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/metrics"
)

// EvaluateNodeCompletion makes the node completion decision from one fresh
// tally. Any cached or previously observed count is ignored; two concurrent
// task finishes both land here and both read the same final state, so the
// decision is stable no matter which finish evaluates last.
//
//	outstanding > 0            → wait
//	all terminal, any failed   → node failed
//	all completed, table saved → node completed (short-circuit)
//	all completed, no table    → ready for synthesis
func (a *Activities) EvaluateNodeCompletion(ctx context.Context, input CompletionInput) (*CompletionDecision, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	counts, err := a.dbClient.CountTasks(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("tally tasks: %w", err)
	}

	decision := &CompletionDecision{Counts: counts}

	if counts.Outstanding() > 0 {
		decision.Waiting = true
		return decision, nil
	}

	if counts.Failed > 0 {
		decision.Failed = true
		reason := fmt.Sprintf("%d task(s) failed", counts.Failed)
		if err := a.dbClient.MarkNodeFailed(ctx, nodeID, reason); err != nil {
			return nil, err
		}
		a.emit(ctx, EventInput{
			SessionID: node.SessionID.String(),
			NodeID:    input.NodeID,
			Level:     node.Level,
			Kind:      db.EventNodeFailed,
			Message:   reason,
			Detail:    map[string]interface{}{"failed": counts.Failed, "total": counts.Total},
		})
		metrics.NodesCompleted.WithLabelValues("failed").Inc()
		a.recordProgress(ctx, node)
		a.logger.Info("Node failed",
			zap.String("node_id", input.NodeID),
			zap.Int("failed_tasks", counts.Failed),
			zap.Int("total_tasks", counts.Total),
		)
		return decision, nil
	}

	// All tasks completed. A node is complete only once its table exists;
	// if a previous run already synthesized it, don't do it again.
	if _, err := a.dbClient.GetTable(ctx, nodeID); err == nil {
		decision.TableDone = true
		decision.Ready = true
		return decision, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	decision.Ready = true
	return decision, nil
}
