package activities

import (
	"context"
	"time"
)

// PlanInput asks for the dispatch plan of one model class.
type PlanInput struct {
	ModelID string `json:"model_id"`
}

// DispatchPlan is a point-in-time snapshot of the dispatch knobs for a model
// class. Workflows read config through this activity so the values land in
// history and replay deterministically.
type DispatchPlan struct {
	Async             bool          `json:"async"`
	BatchSize         int           `json:"batch_size"`
	BatchDelay        time.Duration `json:"batch_delay"`
	MaxParallel       int           `json:"max_parallel"`
	MaxGenerationTime time.Duration `json:"max_generation_time"`
	PollInterval      time.Duration `json:"poll_interval"`
	MaxPolls          int           `json:"max_polls"`
}

// GetDispatchPlan snapshots the current dispatch configuration.
func (a *Activities) GetDispatchPlan(ctx context.Context, input PlanInput) (*DispatchPlan, error) {
	cfg := a.config()
	class := cfg.Generation.ClassFor(input.ModelID)

	plan := &DispatchPlan{
		Async:             class.Async,
		BatchSize:         cfg.Dispatch.BatchSize,
		BatchDelay:        cfg.Dispatch.BatchDelay,
		MaxParallel:       cfg.Dispatch.MaxParallel,
		MaxGenerationTime: class.MaxGenerationTime,
		PollInterval:      cfg.Poll.Interval,
		MaxPolls:          cfg.Poll.MaxPolls,
	}
	if plan.BatchSize < 1 {
		plan.BatchSize = 1
	}
	if plan.MaxParallel < 1 {
		plan.MaxParallel = 1
	}
	if plan.MaxGenerationTime <= 0 {
		plan.MaxGenerationTime = 3 * time.Minute
	}
	return plan, nil
}
