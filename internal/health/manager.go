package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on a background interval and serves the
// cached results to the HTTP probes. On-demand runs are used only before the
// first background sweep completes.
type Manager struct {
	checkers map[string]Checker
	results  map[string]CheckResult
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	stopCh  chan struct{}
	started bool
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		interval: 30 * time.Second,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// RegisterChecker adds a checker under its name.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := checker.Name()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("health checker %q already registered", name)
	}
	m.checkers[name] = checker
	return nil
}

// UnregisterChecker removes a checker and its cached result.
func (m *Manager) UnregisterChecker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.results, name)
}

// SetCheckInterval changes the background sweep interval. Takes effect on
// the next Start.
func (m *Manager) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.interval = interval
	}
}

// Start begins the background check loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("health manager already started")
	}
	m.started = true
	interval := m.interval
	m.mu.Unlock()

	go func() {
		// Prime the cache immediately so readiness does not flap at boot.
		m.runChecks(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the background loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.stopCh)
		m.started = false
		m.stopCh = make(chan struct{})
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, checker := range checkers {
		result := m.runSingleCheck(ctx, checker)
		m.mu.Lock()
		m.results[checker.Name()] = result
		m.mu.Unlock()
		if result.Status == StatusUnhealthy {
			m.logger.Warn("Health check failed",
				zap.String("component", checker.Name()),
				zap.String("error", result.Error),
				zap.Bool("critical", checker.IsCritical()),
			)
		}
	}
}

func (m *Manager) runSingleCheck(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() { done <- checker.Check(checkCtx) }()

	select {
	case result := <-done:
		return result
	case <-checkCtx.Done():
		return CheckResult{
			Status:    StatusUnhealthy,
			Error:     "health check timed out",
			Component: checker.Name(),
			Critical:  checker.IsCritical(),
			Duration:  checker.Timeout(),
			Timestamp: time.Now(),
		}
	}
}

// GetDetailedHealth returns the per-component breakdown from the cache,
// running checks on demand for components with no cached result yet.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	start := time.Now()

	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.checkers))
	var missing []Checker
	for name, checker := range m.checkers {
		if result, ok := m.results[name]; ok {
			components[name] = result
		} else {
			missing = append(missing, checker)
		}
	}
	m.mu.RUnlock()

	for _, checker := range missing {
		result := m.runSingleCheck(ctx, checker)
		components[checker.Name()] = result
		m.mu.Lock()
		m.results[checker.Name()] = result
		m.mu.Unlock()
	}

	summary := Summary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		default:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		}
	}

	overall := m.rollUp(components, summary)
	overall.Duration = time.Since(start)
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

// GetOverallHealth returns the rolled-up status.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

func (m *Manager) rollUp(components map[string]CheckResult, summary Summary) OverallHealth {
	overall := OverallHealth{
		Status:    StatusHealthy,
		Message:   "all components healthy",
		Timestamp: time.Now(),
		Ready:     true,
		Live:      true,
	}
	for name, result := range components {
		switch result.Status {
		case StatusUnhealthy:
			if result.Critical {
				overall.Status = StatusUnhealthy
				overall.Message = fmt.Sprintf("critical component %s unhealthy", name)
				overall.Ready = false
				return overall
			}
			overall.Degraded = true
		case StatusDegraded:
			overall.Degraded = true
		}
	}
	if overall.Degraded {
		overall.Status = StatusDegraded
		overall.Message = "service degraded"
	}
	return overall
}

// IsReady reports whether every critical component is serviceable.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness. The process being able to answer is the
// check; dependency state does not affect liveness.
func (m *Manager) IsLive(ctx context.Context) bool {
	return true
}
