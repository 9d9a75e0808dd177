package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/generation"
	"github.com/arbor-research/arbor/internal/metrics"
)

// ExecuteTask runs one research task against the generation service. Sync
// model classes block on a single call; async classes submit a job and poll
// under activity heartbeats. A task failure is recorded and returned as a
// result, not an activity error: failed tasks are data for the completion
// decision. Errors are returned only when a retry could change the outcome.
func (a *Activities) ExecuteTask(ctx context.Context, input ExecuteTaskInput) (*ExecuteTaskResult, error) {
	taskID, err := uuid.Parse(input.TaskID)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid task id", "BadInput", err)
	}

	task, err := a.dbClient.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError("task not found", "NotFound", err)
		}
		return nil, err
	}
	// Activity retries after a worker crash land here with the work done.
	if task.Status == db.StatusCompleted {
		return &ExecuteTaskResult{TaskID: input.TaskID, RowIndex: task.RowIndex, Status: task.Status}, nil
	}

	node, err := a.dbClient.GetNode(ctx, task.NodeID)
	if err != nil {
		return nil, err
	}

	if err := a.dbClient.MarkTaskStarted(ctx, taskID); err != nil {
		return nil, err
	}
	rowIdx := task.RowIndex
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    node.ID.String(),
		TaskID:    input.TaskID,
		Level:     node.Level,
		Kind:      db.EventTaskStarted,
		RowIndex:  &rowIdx,
	})

	cfg := a.config()
	class := cfg.Generation.ClassFor(input.ModelID)
	start := time.Now()

	var content string
	var genErr error
	if class.Async {
		content, genErr = a.runAsync(ctx, task, node, input.ModelID, class.MaxGenerationTime)
	} else {
		content, genErr = a.runSync(ctx, task, input.ModelID, class.MaxGenerationTime)
	}

	if genErr != nil {
		if retryable(genErr) {
			// Leave the task processing; the activity retry picks it up.
			return nil, genErr
		}
		reason := genErr.Error()
		if err := a.dbClient.MarkTaskFailed(ctx, taskID, reason); err != nil {
			return nil, err
		}
		a.emit(ctx, EventInput{
			SessionID: node.SessionID.String(),
			NodeID:    node.ID.String(),
			TaskID:    input.TaskID,
			Level:     node.Level,
			Kind:      db.EventTaskFailed,
			Message:   reason,
			RowIndex:  &rowIdx,
		})
		metrics.RecordTaskExecution(input.ModelID, "failed", time.Since(start).Seconds())
		a.recordProgress(ctx, node)
		return &ExecuteTaskResult{TaskID: input.TaskID, RowIndex: task.RowIndex, Status: db.StatusFailed}, nil
	}

	if err := a.dbClient.MarkTaskCompleted(ctx, taskID, content); err != nil {
		return nil, err
	}
	a.emit(ctx, EventInput{
		SessionID: node.SessionID.String(),
		NodeID:    node.ID.String(),
		TaskID:    input.TaskID,
		Level:     node.Level,
		Kind:      db.EventTaskCompleted,
		RowIndex:  &rowIdx,
	})
	metrics.RecordTaskExecution(input.ModelID, "completed", time.Since(start).Seconds())
	a.recordProgress(ctx, node)

	return &ExecuteTaskResult{TaskID: input.TaskID, RowIndex: task.RowIndex, Status: db.StatusCompleted}, nil
}

func (a *Activities) runSync(ctx context.Context, task *db.Task, modelID string, maxTime time.Duration) (string, error) {
	resp, err := a.generation.Generate(ctx, generation.GenerateRequest{
		Prompt:         task.Prompt,
		ModelID:        modelID,
		Context:        task.LineageData,
		MaxTimeSeconds: int(maxTime.Seconds()),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// runAsync drives the submit/poll protocol. The job id is persisted in the
// task's progress blob so a retried activity resumes polling the same job
// instead of submitting a duplicate.
func (a *Activities) runAsync(ctx context.Context, task *db.Task, node *db.Node, modelID string, maxTime time.Duration) (string, error) {
	cfg := a.config()

	jobID, _ := task.Progress["job_id"].(string)
	if jobID == "" {
		var err error
		jobID, err = a.generation.Submit(ctx, generation.GenerateRequest{
			Prompt:         task.Prompt,
			ModelID:        modelID,
			Context:        task.LineageData,
			MaxTimeSeconds: int(maxTime.Seconds()),
		})
		if err != nil {
			return "", err
		}
		if err := a.dbClient.UpdateTaskProgress(ctx, task.ID, db.JSONB{"job_id": jobID}); err != nil {
			a.logger.Warn("Failed to persist job id", zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	}

	interval := cfg.Poll.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logEvery := cfg.Poll.LogEvery
	if logEvery <= 0 {
		logEvery = 4
	}
	maxPolls := cfg.Poll.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 240
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rowIdx := task.RowIndex
	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := a.generation.Poll(ctx, jobID)
		if err != nil {
			if errors.Is(err, generation.ErrJobNotFound) {
				// The job expired server-side; resubmitting under the same
				// task is the retry path.
				if perr := a.dbClient.UpdateTaskProgress(ctx, task.ID, nil); perr != nil {
					a.logger.Warn("Failed to clear stale job id", zap.Error(perr))
				}
				return "", fmt.Errorf("generation job %s expired: %w", jobID, err)
			}
			// Transient poll failures ride the next tick.
			a.logger.Debug("Poll failed, will retry",
				zap.String("job_id", jobID),
				zap.Int("polls", polls),
				zap.Error(err),
			)
			activity.RecordHeartbeat(ctx, map[string]interface{}{"job_id": jobID, "polls": polls, "error": err.Error()})
			continue
		}

		activity.RecordHeartbeat(ctx, map[string]interface{}{"job_id": jobID, "polls": polls, "status": status.Status})

		if err := a.dbClient.UpdateTaskProgress(ctx, task.ID, db.JSONB{
			"job_id":      jobID,
			"polls":       polls,
			"last_status": status.Status,
		}); err != nil {
			a.logger.Warn("Failed to update task progress", zap.Error(err))
		}

		// Reduced cadence: one progress event per logEvery polls keeps the
		// feed readable on long deep-research runs.
		if polls%logEvery == 0 {
			a.logger.Info("Generation job in flight",
				zap.String("task_id", task.ID.String()),
				zap.String("job_id", jobID),
				zap.String("status", status.Status),
				zap.Int("polls", polls),
			)
			a.emit(ctx, EventInput{
				SessionID: node.SessionID.String(),
				NodeID:    node.ID.String(),
				TaskID:    task.ID.String(),
				Level:     node.Level,
				Kind:      "task_progress",
				Message:   status.Progress,
				RowIndex:  &rowIdx,
				Detail:    map[string]interface{}{"polls": polls, "status": status.Status},
			})
		}

		switch status.Status {
		case generation.JobCompleted:
			return status.Content, nil
		case generation.JobFailed:
			return "", &terminalError{reason: status.Error}
		}

		if polls >= maxPolls {
			return "", &terminalError{reason: fmt.Sprintf("generation job %s timed out after %d polls", jobID, polls)}
		}
	}
}

// terminalError marks a generation outcome no retry can change.
type terminalError struct {
	reason string
}

func (e *terminalError) Error() string {
	if e.reason == "" {
		return "generation failed"
	}
	return e.reason
}

// retryable classifies generation errors. Rate limits, cancellations, and
// transport failures are worth retrying; explicit job failures and timeouts
// are not.
func retryable(err error) bool {
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return false
	}
	return true
}
