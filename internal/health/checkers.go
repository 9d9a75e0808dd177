package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
)

// DatabaseHealthChecker probes PostgreSQL through the circuit breaker
// wrapper.
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}

	if d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "database circuit breaker is open"
		result.Duration = time.Since(start)
		return result
	}

	err := d.wrapper.PingContext(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "database ping failed"
		return result
	}

	stats := d.wrapper.Stats()
	result.Details = map[string]interface{}{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"latency_ms":       result.Duration.Milliseconds(),
	}
	if result.Duration > 200*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "database responding with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "database healthy"
	}
	return result
}

// RedisHealthChecker probes the progress cache. Redis loss degrades the
// service but does not stop research runs, so it is non-critical.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Critical: false, Timestamp: start}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "redis circuit breaker is open"
		result.Duration = time.Since(start)
		return result
	}

	err := r.wrapper.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		return result
	}

	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "redis responding with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "redis healthy"
	}
	return result
}

// HTTPServiceHealthChecker probes a collaborator's /health endpoint. Used
// for the generation and structuring adapters.
type HTTPServiceHealthChecker struct {
	name     string
	baseURL  string
	critical bool
	client   *http.Client
	timeout  time.Duration
}

func NewHTTPServiceHealthChecker(name, baseURL string, critical bool) *HTTPServiceHealthChecker {
	return &HTTPServiceHealthChecker{
		name:     name,
		baseURL:  baseURL,
		critical: critical,
		client:   &http.Client{Timeout: 5 * time.Second},
		timeout:  5 * time.Second,
	}
}

func (h *HTTPServiceHealthChecker) Name() string           { return h.name }
func (h *HTTPServiceHealthChecker) IsCritical() bool       { return h.critical }
func (h *HTTPServiceHealthChecker) Timeout() time.Duration { return h.timeout }

func (h *HTTPServiceHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: h.name, Critical: h.critical, Timestamp: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	resp, err := h.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", h.name)
		return result
	}
	defer resp.Body.Close()

	result.Details = map[string]interface{}{
		"status_code": resp.StatusCode,
		"latency_ms":  result.Duration.Milliseconds(),
	}
	if resp.StatusCode != http.StatusOK {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s returned %d", h.name, resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%s healthy", h.name)
	return result
}

// TemporalHealthChecker probes the workflow engine frontend.
type TemporalHealthChecker struct {
	client  client.Client
	timeout time.Duration
}

func NewTemporalHealthChecker(c client.Client) *TemporalHealthChecker {
	return &TemporalHealthChecker{client: c, timeout: 5 * time.Second}
}

func (t *TemporalHealthChecker) Name() string           { return "temporal" }
func (t *TemporalHealthChecker) IsCritical() bool       { return true }
func (t *TemporalHealthChecker) Timeout() time.Duration { return t.timeout }

func (t *TemporalHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "temporal", Critical: true, Timestamp: start}

	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "temporal frontend unreachable"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "temporal healthy"
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// CustomHealthChecker wraps an arbitrary check function.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
