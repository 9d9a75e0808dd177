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
	"github.com/arbor-research/arbor/internal/prompt"
	"github.com/arbor-research/arbor/internal/rowshape"
)

// FanOutTasks creates a node's task set from its input rows. One task per
// row, prompts rendered from the node template; a root node with no input
// rows gets a single task carrying the raw template. Task creation is keyed
// on (node, row index), so re-running fan-out after a crash neither
// duplicates nor reorders tasks.
func (a *Activities) FanOutTasks(ctx context.Context, input FanOutInput) (*FanOutResult, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid node id", "BadInput", err)
	}

	node, err := a.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError("node not found", "NotFound", err)
		}
		return nil, err
	}

	rows, err := a.inputRows(ctx, node)
	if err != nil {
		return nil, err
	}

	tasks := make([]*db.Task, 0, len(rows))
	if len(rows) == 0 {
		tasks = append(tasks, &db.Task{
			NodeID:   node.ID,
			RowIndex: 0,
			Prompt:   node.PromptTemplate,
		})
	} else {
		for i, row := range rows {
			tasks = append(tasks, &db.Task{
				NodeID:      node.ID,
				RowIndex:    i,
				Prompt:      prompt.Render(node.PromptTemplate, row),
				LineageData: db.JSONB(row),
			})
		}
	}

	if err := a.dbClient.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}

	// Read back so a replayed fan-out returns the originally created set
	// rather than the freshly built (and conflict-skipped) one.
	persisted, err := a.dbClient.ListTasksByNode(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks after fan-out: %w", err)
	}

	result := &FanOutResult{ModelID: node.ModelID, Tasks: make([]TaskRef, 0, len(persisted))}
	for _, t := range persisted {
		result.Tasks = append(result.Tasks, TaskRef{TaskID: t.ID.String(), RowIndex: t.RowIndex})
		rowIdx := t.RowIndex
		a.emit(ctx, EventInput{
			SessionID: node.SessionID.String(),
			NodeID:    node.ID.String(),
			TaskID:    t.ID.String(),
			Level:     node.Level,
			Kind:      db.EventTaskCreated,
			RowIndex:  &rowIdx,
		})
	}

	metrics.TasksCreated.Add(float64(len(result.Tasks)))
	metrics.NodeFanOutSize.Observe(float64(len(result.Tasks)))
	a.logger.Info("Fanned out node tasks",
		zap.String("node_id", node.ID.String()),
		zap.Int("level", node.Level),
		zap.Int("tasks", len(result.Tasks)),
	)

	return result, nil
}

// inputRows resolves the node's input rows from its table spec snapshot.
// Legacy snapshots arrive in any of the historical shapes; normalization
// failures are terminal since retrying cannot fix stored data.
func (a *Activities) inputRows(ctx context.Context, node *db.Node) ([]rowshape.Row, error) {
	spec, err := a.dbClient.GetTableSpec(ctx, node.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Root nodes may carry no spec at all.
			return nil, nil
		}
		return nil, err
	}
	if len(spec.InputRows) == 0 {
		return nil, nil
	}

	normalized, err := rowshape.Detect([]rowshape.Row(spec.InputRows))
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("unusable input rows", "BadInputRows", err)
	}
	return normalized.Rows, nil
}
