package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
)

const channelPrefix = "arbor:events:"

// RedisMirror republishes local progress events onto Redis pub/sub so
// external consumers and sibling instances can follow a session without
// holding an HTTP stream against this process.
type RedisMirror struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisMirror creates a mirror over a breaker-guarded Redis client.
func NewRedisMirror(client *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

// Publish mirrors one event. Failures are logged and swallowed; the local
// feed stays authoritative.
func (rm *RedisMirror) Publish(ctx context.Context, evt Event) {
	if rm == nil || rm.client == nil {
		return
	}
	if err := rm.client.Publish(ctx, channelPrefix+evt.SessionID, evt.Marshal()).Err(); err != nil {
		rm.logger.Debug("Failed to mirror event to Redis",
			zap.String("session_id", evt.SessionID),
			zap.String("kind", evt.Kind),
			zap.Error(err),
		)
	}
}

// Channel returns the Redis pub/sub channel name for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}
