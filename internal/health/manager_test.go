package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Component: name, Critical: critical, Timestamp: time.Now()}
	})
}

func TestManagerRollUp(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusHealthy)))

	overall := m.GetOverallHealth(t.Context())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
}

func TestManagerCriticalFailureNotReady(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusHealthy)))

	overall := m.GetOverallHealth(t.Context())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, m.IsLive(t.Context()), "liveness is independent of dependencies")
}

func TestManagerNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusUnhealthy)))

	overall := m.GetOverallHealth(t.Context())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestManagerDuplicateCheckerRejected(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
}

func TestManagerCheckTimeout(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	slow := NewCustomHealthChecker("slow", true, 50*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return CheckResult{Status: StatusHealthy, Component: "slow"}
	})
	require.NoError(t, m.RegisterChecker(slow))

	detailed := m.GetDetailedHealth(t.Context())
	assert.Equal(t, StatusUnhealthy, detailed.Components["slow"].Status)
	assert.Contains(t, detailed.Components["slow"].Error, "timed out")
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusHealthy)))
	h := NewHTTPHandler(m, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	h.handleReadiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 200, rec.Code)

	m.UnregisterChecker("database")
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))
	rec = httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}
