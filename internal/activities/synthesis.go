package activities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/metrics"
	"github.com/arbor-research/arbor/internal/prompt"
	"github.com/arbor-research/arbor/internal/structuring"
)

// SynthesizeTable turns a node's completed task outputs into its table. Each
// task contributes one lineage-prefixed context block, ordered by row index.
// When the combined context exceeds the configured budget the blocks are
// split into batches and the per-batch tables concatenated in batch order.
//
// Success saves the table (first save is version 1, regenerations increment)
// and completes the node. Failure marks the node failed while leaving its
// completed tasks untouched, so a later regeneration retries synthesis alone.
func (a *Activities) SynthesizeTable(ctx context.Context, input SynthesizeInput) (*SynthesizeResult, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	spec, err := a.dbClient.GetTableSpec(ctx, nodeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError("node has no table spec", "NoSpec", err)
		}
		return nil, err
	}

	tasks, err := a.dbClient.ListTasksByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	blocks := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != db.StatusCompleted || t.Content == nil {
			continue
		}
		blocks = append(blocks, lineageBlock(t))
	}
	if len(blocks) == 0 {
		return nil, temporal.NewNonRetryableApplicationError("no completed tasks to synthesize", "NoContent", nil)
	}

	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    input.NodeID,
		Level:     node.Level,
		Kind:      db.EventTableGenStarted,
		Detail:    map[string]interface{}{"documents": len(blocks)},
	})

	cfg := a.config()
	batches := partitionBlocks(blocks, cfg.Synthesis.ContextCharBudget, cfg.Synthesis.MinBatchRows)
	start := time.Now()

	var rows db.Rows
	for i, batch := range batches {
		result, err := a.structuring.Structure(ctx, structuring.StructureRequest{
			Instruction:   spec.Instruction,
			ContextBlocks: batch,
		})
		if err != nil {
			if errors.Is(err, structuring.ErrTruncated) {
				// Retryable: generation is not deterministic, a later attempt
				// may fit.
				return nil, fmt.Errorf("batch %d of %d truncated: %w", i+1, len(batches), err)
			}
			return nil, a.failSynthesis(ctx, node, err)
		}
		for _, row := range result.Rows {
			rows = append(rows, row)
		}
	}

	table := &db.Table{NodeID: nodeID, RowData: rows}
	if err := a.dbClient.SaveTable(ctx, table); err != nil {
		return nil, err
	}
	if err := a.dbClient.MarkNodeCompleted(ctx, nodeID); err != nil {
		return nil, err
	}

	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    input.NodeID,
		Level:     node.Level,
		Kind:      db.EventTableGenerated,
		Detail: map[string]interface{}{
			"rows":    len(rows),
			"version": table.Version,
			"batches": len(batches),
		},
	})
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    input.NodeID,
		Level:     node.Level,
		Kind:      db.EventNodeCompleted,
	})

	metrics.TablesGenerated.WithLabelValues("synthesis", "ok").Inc()
	metrics.SynthesisBatches.Observe(float64(len(batches)))
	metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	metrics.NodesCompleted.WithLabelValues("completed").Inc()
	a.recordProgress(ctx, node)

	a.logger.Info("Synthesized node table",
		zap.String("node_id", input.NodeID),
		zap.Int("rows", len(rows)),
		zap.Int("version", table.Version),
		zap.Int("batches", len(batches)),
	)

	return &SynthesizeResult{
		TableID: table.ID.String(),
		Version: table.Version,
		Rows:    len(rows),
		Batches: len(batches),
	}, nil
}

func (a *Activities) failSynthesis(ctx context.Context, node *db.Node, cause error) error {
	reason := fmt.Sprintf("table synthesis failed: %v", cause)
	if err := a.dbClient.MarkNodeFailed(ctx, node.ID, reason); err != nil {
		return err
	}
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    node.ID.String(),
		Level:     node.Level,
		Kind:      db.EventTableGenFailed,
		Message:   reason,
	})
	metrics.TablesGenerated.WithLabelValues("synthesis", "error").Inc()
	a.recordProgress(ctx, node)
	return temporal.NewNonRetryableApplicationError(reason, "SynthesisFailed", cause)
}

// lineageBlock prefixes a task's content with its lineage data as key: value
// pairs so the structuring service can carry each source row's properties
// into the table, not just their values.
func lineageBlock(t db.Task) string {
	if len(t.LineageData) == 0 {
		return *t.Content
	}
	keys := make([]string, 0, len(t.LineageData))
	for k := range t.LineageData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+prompt.Stringify(t.LineageData[k]))
	}
	return fmt.Sprintf("[%s]\n%s", strings.Join(parts, " / "), *t.Content)
}

// partitionBlocks splits context blocks into contiguous batches whose
// combined size stays within budget, never below minRows per batch except
// for the final remainder.
func partitionBlocks(blocks []string, budget, minRows int) [][]string {
	if budget <= 0 {
		return [][]string{blocks}
	}
	if minRows < 1 {
		minRows = 1
	}

	total := 0
	for _, b := range blocks {
		total += len(b)
	}
	if total <= budget {
		return [][]string{blocks}
	}

	var batches [][]string
	var current []string
	size := 0
	for _, b := range blocks {
		if len(current) >= minRows && size+len(b) > budget {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, b)
		size += len(b)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
