package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
)

const progressKeyPrefix = "arbor:progress:"

// Manager caches per-session progress snapshots in Redis so status reads do
// not hit the task tables on every request.
type Manager struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration

	mu         sync.Mutex
	localCache map[string]*Progress
}

// NewManager connects to Redis and returns a progress cache manager.
func NewManager(redisAddr string, ttl time.Duration, logger *zap.Logger) (*Manager, error) {
	redisPassword := os.Getenv("REDIS_PASSWORD")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Manager{
		client:     client,
		logger:     logger,
		ttl:        ttl,
		localCache: make(map[string]*Progress),
	}, nil
}

// RecordNodeProgress merges one node's tallies into the session snapshot and
// persists it. Redis write failures degrade to local cache only; progress is
// advisory and must never block the workflow.
func (m *Manager) RecordNodeProgress(ctx context.Context, sessionID string, np NodeProgress) {
	np.UpdatedAt = time.Now()

	m.mu.Lock()
	prog := m.localCache[sessionID]
	if prog == nil {
		prog = &Progress{
			SessionID: sessionID,
			Nodes:     make(map[string]NodeProgress),
		}
		m.localCache[sessionID] = prog
	}
	prog.Nodes[np.NodeID] = np
	prog.UpdatedAt = np.UpdatedAt
	snapshot := *prog
	snapshot.Nodes = make(map[string]NodeProgress, len(prog.Nodes))
	for k, v := range prog.Nodes {
		snapshot.Nodes[k] = v
	}
	m.mu.Unlock()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		m.logger.Error("Failed to marshal progress snapshot", zap.Error(err))
		return
	}
	if err := m.client.Set(ctx, progressKeyPrefix+sessionID, data, m.ttl).Err(); err != nil {
		m.logger.Warn("Failed to persist progress snapshot",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// GetProgress returns the session snapshot, preferring the local cache and
// falling back to Redis. A missing snapshot returns an empty Progress.
func (m *Manager) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	m.mu.Lock()
	if prog, ok := m.localCache[sessionID]; ok {
		snapshot := *prog
		snapshot.Nodes = make(map[string]NodeProgress, len(prog.Nodes))
		for k, v := range prog.Nodes {
			snapshot.Nodes[k] = v
		}
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()

	data, err := m.client.Get(ctx, progressKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return &Progress{SessionID: sessionID, Nodes: make(map[string]NodeProgress)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress snapshot: %w", err)
	}

	var prog Progress
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("failed to decode progress snapshot: %w", err)
	}
	if prog.Nodes == nil {
		prog.Nodes = make(map[string]NodeProgress)
	}

	m.mu.Lock()
	m.localCache[sessionID] = &prog
	m.mu.Unlock()

	return &prog, nil
}

// ClearSession drops the cached snapshot, locally and in Redis. Called when
// a session is deleted or archived.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.localCache, sessionID)
	m.mu.Unlock()

	if err := m.client.Del(ctx, progressKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to clear progress snapshot: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Wrapper exposes the circuit-broken Redis client for health checks and the
// event mirror.
func (m *Manager) Wrapper() *circuitbreaker.RedisWrapper {
	return m.client
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}
