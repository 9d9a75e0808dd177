package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/metrics"
	"github.com/arbor-research/arbor/internal/structuring"
)

// BuildAggregateTable combines the tables of a node's children into one
// aggregate table on the node. It fires only when every child is completed
// with a saved table; the tally is read fresh so a child finishing during the
// call cannot be half-counted. Each child row is tagged with its source node
// and level, then the tagged rows are run through the structuring service
// under the parent spec's instruction, falling back to the configured
// aggregate instruction, so the combined table comes out with a consistent
// column set.
func (a *Activities) BuildAggregateTable(ctx context.Context, input AggregateInput) (*AggregateResult, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	allDone, anyFailed, total, err := a.dbClient.ChildrenTerminalState(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, temporal.NewNonRetryableApplicationError("node has no children to aggregate", "NoChildren", nil)
	}
	if anyFailed || !allDone {
		// Not an error: the caller re-signals when the next child completes.
		done := 0
		children, lerr := a.dbClient.ListChildren(ctx, nodeID)
		if lerr == nil {
			for _, c := range children {
				if c.Status == db.StatusCompleted {
					done++
				}
			}
		}
		return &AggregateResult{Built: false, ChildrenDone: done, ChildrenAll: total}, nil
	}

	children, err := a.dbClient.ListChildren(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	// Tagged child rows in child creation order; one context block per row.
	var blocks []string
	perChild := make(map[string]interface{}, len(children))
	tagged := 0
	for _, child := range children {
		table, err := a.dbClient.GetTable(ctx, child.ID)
		if err != nil {
			// The tally said every child has a table; a miss here means a
			// concurrent retry wiped one. Re-evaluate on the next signal.
			return &AggregateResult{Built: false, ChildrenAll: total}, nil
		}
		for _, row := range table.RowData {
			t := make(map[string]interface{}, len(row)+2)
			for k, v := range row {
				t[k] = v
			}
			t["source_node"] = child.ID.String()
			t["source_level"] = child.Level
			raw, merr := json.Marshal(t)
			if merr != nil {
				return nil, fmt.Errorf("encode aggregate row: %w", merr)
			}
			blocks = append(blocks, string(raw))
			tagged++
		}
		perChild[child.ID.String()] = len(table.RowData)
	}

	instruction := a.config().Synthesis.AggregateInstruction
	spec, specErr := a.dbClient.GetTableSpec(ctx, nodeID)
	if specErr == nil && spec.Instruction != "" {
		instruction = spec.Instruction
	} else if specErr != nil && !errors.Is(specErr, db.ErrNotFound) {
		return nil, specErr
	}

	result, err := a.structuring.Structure(ctx, structuring.StructureRequest{
		Instruction:   instruction,
		ContextBlocks: blocks,
	})
	if err != nil {
		if errors.Is(err, structuring.ErrTruncated) {
			// Retryable: generation is not deterministic, a later attempt
			// may fit.
			return nil, fmt.Errorf("aggregate structuring truncated: %w", err)
		}
		return nil, a.failAggregate(ctx, node, err)
	}

	var rows db.Rows
	for _, row := range result.Rows {
		rows = append(rows, row)
	}

	table := &db.Table{
		NodeID:    nodeID,
		RowData:   rows,
		Aggregate: true,
		Metadata: db.JSONB{
			"children":       total,
			"rows":           len(rows),
			"rows_per_child": perChild,
		},
	}
	if err := a.dbClient.SaveTable(ctx, table); err != nil {
		return nil, err
	}

	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    input.NodeID,
		Level:     node.Level,
		Kind:      db.EventTableGenerated,
		Detail: map[string]interface{}{
			"aggregate": true,
			"rows":      len(rows),
			"version":   table.Version,
			"children":  total,
		},
	})
	metrics.TablesGenerated.WithLabelValues("aggregate", "ok").Inc()

	a.logger.Info("Built aggregate table",
		zap.String("node_id", input.NodeID),
		zap.Int("children", total),
		zap.Int("input_rows", tagged),
		zap.Int("rows", len(rows)),
		zap.Int("version", table.Version),
	)

	return &AggregateResult{
		Built:        true,
		TableID:      table.ID.String(),
		Version:      table.Version,
		Rows:         len(rows),
		ChildrenDone: total,
		ChildrenAll:  total,
	}, nil
}

func (a *Activities) failAggregate(ctx context.Context, node *db.Node, cause error) error {
	reason := fmt.Sprintf("aggregate table synthesis failed: %v", cause)
	if err := a.dbClient.MarkNodeFailed(ctx, node.ID, reason); err != nil {
		return err
	}
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    node.ID.String(),
		Level:     node.Level,
		Kind:      db.EventTableGenFailed,
		Message:   reason,
		Detail:    map[string]interface{}{"aggregate": true},
	})
	metrics.TablesGenerated.WithLabelValues("aggregate", "error").Inc()
	a.recordProgress(ctx, node)
	return temporal.NewNonRetryableApplicationError(reason, "AggregationFailed", cause)
}
