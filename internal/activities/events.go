package activities

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/session"
	"github.com/arbor-research/arbor/internal/streaming"
)

// EmitResearchEvent appends one event to the durable log and publishes it on
// the live feed. Emission is advisory; a failed append never fails the
// calling activity's work.
func (a *Activities) EmitResearchEvent(ctx context.Context, input EventInput) error {
	a.emit(ctx, input)
	return nil
}

// emit is the internal fire-and-forget path used by other activities.
func (a *Activities) emit(ctx context.Context, input EventInput) {
	now := time.Now()

	sessionID, err := uuid.Parse(input.SessionID)
	if err != nil {
		a.logger.Warn("Skipping event with invalid session id",
			zap.String("session_id", input.SessionID),
			zap.String("kind", input.Kind),
		)
		return
	}

	entry := &db.EventLog{
		ID:        uuid.New(),
		SessionID: sessionID,
		Level:     input.Level,
		Kind:      input.Kind,
		Message:   input.Message,
		Timestamp: now,
	}
	if input.NodeID != "" {
		if id, err := uuid.Parse(input.NodeID); err == nil {
			entry.NodeID = &id
		}
	}
	if input.TaskID != "" {
		if id, err := uuid.Parse(input.TaskID); err == nil {
			entry.TaskID = &id
		}
	}
	if len(input.Detail) > 0 || input.RowIndex != nil {
		detail := make(db.JSONB, len(input.Detail)+1)
		for k, v := range input.Detail {
			detail[k] = v
		}
		if input.RowIndex != nil {
			detail["row_index"] = *input.RowIndex
		}
		entry.Detail = detail
	}

	if a.dbClient != nil {
		a.dbClient.QueueEvent(entry)
	}

	evt := streaming.Event{
		SessionID: input.SessionID,
		Kind:      input.Kind,
		NodeID:    input.NodeID,
		TaskID:    input.TaskID,
		Level:     input.Level,
		RowIndex:  input.RowIndex,
		Message:   input.Message,
		Detail:    input.Detail,
		Timestamp: now,
	}
	streaming.Get().Publish(input.SessionID, evt)
	if a.mirror != nil {
		a.mirror.Publish(ctx, evt)
	}
}

// recordProgress refreshes the cached task tallies for a node. Failures are
// logged only.
func (a *Activities) recordProgress(ctx context.Context, node *db.Node) {
	if a.sessionManager == nil {
		return
	}
	counts, err := a.dbClient.CountTasks(ctx, node.ID)
	if err != nil {
		a.logger.Debug("Failed to tally tasks for progress cache",
			zap.String("node_id", node.ID.String()),
			zap.Error(err),
		)
		return
	}
	np := session.NodeProgress{
		NodeID:         node.ID.String(),
		Level:          node.Level,
		Status:         node.Status,
		TasksTotal:     counts.Total,
		TasksCompleted: counts.Completed,
		TasksFailed:    counts.Failed,
	}
	if table, err := a.dbClient.GetTable(ctx, node.ID); err == nil {
		np.TableVersion = table.Version
	}
	a.sessionManager.RecordNodeProgress(ctx, node.SessionID.String(), np)
}
