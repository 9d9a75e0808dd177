package activities

import (
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/config"
	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/generation"
	"github.com/arbor-research/arbor/internal/session"
	"github.com/arbor-research/arbor/internal/streaming"
	"github.com/arbor-research/arbor/internal/structuring"
)

// Activities holds the dependencies shared by all research activities.
type Activities struct {
	dbClient       *db.Client
	sessionManager *session.Manager
	generation     *generation.Client
	structuring    *structuring.Client
	configManager  *config.ArborConfigManager
	mirror         *streaming.RedisMirror
	logger         *zap.Logger
}

// NewActivities creates an activities instance with dependencies.
func NewActivities(
	dbClient *db.Client,
	sessionManager *session.Manager,
	generationClient *generation.Client,
	structuringClient *structuring.Client,
	configManager *config.ArborConfigManager,
	mirror *streaming.RedisMirror,
	logger *zap.Logger,
) *Activities {
	return &Activities{
		dbClient:       dbClient,
		sessionManager: sessionManager,
		generation:     generationClient,
		structuring:    structuringClient,
		configManager:  configManager,
		mirror:         mirror,
		logger:         logger,
	}
}

func (a *Activities) config() *config.ArborConfig {
	if a.configManager != nil {
		return a.configManager.GetConfig()
	}
	return config.DefaultArborConfig()
}
