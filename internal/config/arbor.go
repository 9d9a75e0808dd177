package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ArborConfig represents the main orchestrator configuration
type ArborConfig struct {
	// Service configuration
	Service ServiceConfig `json:"service" yaml:"service" mapstructure:"service"`

	// Temporal workflow configuration
	Temporal TemporalConfig `json:"temporal" yaml:"temporal" mapstructure:"temporal"`

	// Generation service configuration
	Generation GenerationConfig `json:"generation" yaml:"generation" mapstructure:"generation"`

	// Table structuring service configuration
	Structuring StructuringConfig `json:"structuring" yaml:"structuring" mapstructure:"structuring"`

	// Task dispatch behavior
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch" mapstructure:"dispatch"`

	// Async generation polling behavior
	Poll PollConfig `json:"poll" yaml:"poll" mapstructure:"poll"`

	// Table synthesis behavior
	Synthesis SynthesisConfig `json:"synthesis" yaml:"synthesis" mapstructure:"synthesis"`

	// Circuit breaker configurations
	CircuitBreakers CircuitBreakersConfig `json:"circuit_breakers" yaml:"circuit_breakers" mapstructure:"circuit_breakers"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing" yaml:"tracing" mapstructure:"tracing"`

	// Event streaming configuration
	Streaming StreamingConfig `json:"streaming" yaml:"streaming" mapstructure:"streaming"`

	// Session progress cache configuration
	Session SessionConfig `json:"session" yaml:"session" mapstructure:"session"`
}

// ServiceConfig contains basic service configuration
type ServiceConfig struct {
	Port            int           `json:"port" yaml:"port" mapstructure:"port"`
	HealthPort      int           `json:"health_port" yaml:"health_port" mapstructure:"health_port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes" yaml:"max_header_bytes" mapstructure:"max_header_bytes"`
}

// TemporalConfig contains Temporal client and worker settings
type TemporalConfig struct {
	HostPort                 string        `json:"host_port" yaml:"host_port" mapstructure:"host_port"`
	Namespace                string        `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
	TaskQueue                string        `json:"task_queue" yaml:"task_queue" mapstructure:"task_queue"`
	MaxConcurrentActivities  int           `json:"max_concurrent_activities" yaml:"max_concurrent_activities" mapstructure:"max_concurrent_activities"`
	MaxConcurrentWorkflows   int           `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows" mapstructure:"max_concurrent_workflows"`
	ConnectionTimeout        time.Duration `json:"connection_timeout" yaml:"connection_timeout" mapstructure:"connection_timeout"`
	WorkflowExecutionTimeout time.Duration `json:"workflow_execution_timeout" yaml:"workflow_execution_timeout" mapstructure:"workflow_execution_timeout"`
}

// ModelClassConfig describes the execution profile of one model class. Async
// classes are driven through the submit/poll protocol; sync classes block on
// a single generate call bounded by MaxGenerationTime.
type ModelClassConfig struct {
	Async             bool          `json:"async" yaml:"async" mapstructure:"async"`
	MaxGenerationTime time.Duration `json:"max_generation_time" yaml:"max_generation_time" mapstructure:"max_generation_time"`
}

// GenerationConfig contains the content generation service settings
type GenerationConfig struct {
	BaseURL        string                      `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	RequestTimeout time.Duration               `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
	RateLimitRPS   float64                     `json:"rate_limit_rps" yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int                         `json:"rate_limit_burst" yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	ModelClasses   map[string]ModelClassConfig `json:"model_classes" yaml:"model_classes" mapstructure:"model_classes"`
	DefaultClass   string                      `json:"default_class" yaml:"default_class" mapstructure:"default_class"`
}

// ClassFor resolves a model id to its class config, falling back to the
// default class for unknown ids.
func (g GenerationConfig) ClassFor(modelID string) ModelClassConfig {
	if c, ok := g.ModelClasses[modelID]; ok {
		return c
	}
	return g.ModelClasses[g.DefaultClass]
}

// StructuringConfig contains the table structuring service settings
type StructuringConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

// DispatchConfig controls how fan-out batches hit the generation service.
// Async model classes are dispatched in waves of BatchSize with BatchDelay
// between waves; sync classes run fully parallel up to MaxParallel.
type DispatchConfig struct {
	BatchSize   int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelay  time.Duration `json:"batch_delay" yaml:"batch_delay" mapstructure:"batch_delay"`
	MaxParallel int           `json:"max_parallel" yaml:"max_parallel" mapstructure:"max_parallel"`
}

// PollConfig controls the async generation poll loop.
type PollConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	LogEvery int           `json:"log_every" yaml:"log_every" mapstructure:"log_every"`
	MaxPolls int           `json:"max_polls" yaml:"max_polls" mapstructure:"max_polls"`
}

// SynthesisConfig controls table synthesis batching. Inputs whose combined
// context exceeds ContextCharBudget are split into batches of at least
// MinBatchRows rows each. AggregateInstruction drives cross-level aggregation
// when the parent's table spec carries no instruction of its own.
type SynthesisConfig struct {
	ContextCharBudget    int    `json:"context_char_budget" yaml:"context_char_budget" mapstructure:"context_char_budget"`
	MinBatchRows         int    `json:"min_batch_rows" yaml:"min_batch_rows" mapstructure:"min_batch_rows"`
	AggregateInstruction string `json:"aggregate_instruction" yaml:"aggregate_instruction" mapstructure:"aggregate_instruction"`
}

// CircuitBreakerConfig contains settings for one circuit breaker
type CircuitBreakerConfig struct {
	MaxRequests uint32        `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	Interval    time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures" mapstructure:"max_failures"`
	Enabled     bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// CircuitBreakersConfig groups the per-dependency breakers
type CircuitBreakersConfig struct {
	Database   CircuitBreakerConfig `json:"database" yaml:"database" mapstructure:"database"`
	Redis      CircuitBreakerConfig `json:"redis" yaml:"redis" mapstructure:"redis"`
	Generation CircuitBreakerConfig `json:"generation" yaml:"generation" mapstructure:"generation"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level"`
	Format      string `json:"format" yaml:"format" mapstructure:"format"`
	Development bool   `json:"development" yaml:"development" mapstructure:"development"`
}

// TracingConfig contains OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" mapstructure:"sampling_rate"`
}

// StreamingConfig contains progress event streaming settings
type StreamingConfig struct {
	RingSize       int `json:"ring_size" yaml:"ring_size" mapstructure:"ring_size"`
	ReplayLimit    int `json:"replay_limit" yaml:"replay_limit" mapstructure:"replay_limit"`
	SubscriberSlow int `json:"subscriber_slow" yaml:"subscriber_slow" mapstructure:"subscriber_slow"`
}

// SessionConfig contains session progress cache settings
type SessionConfig struct {
	ProgressTTL time.Duration `json:"progress_ttl" yaml:"progress_ttl" mapstructure:"progress_ttl"`
}

// DefaultArborConfig returns the configuration used when no file is present
func DefaultArborConfig() *ArborConfig {
	return &ArborConfig{
		Service: ServiceConfig{
			Port:            8081,
			HealthPort:      8082,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
		},
		Temporal: TemporalConfig{
			HostPort:                 "localhost:7233",
			Namespace:                "default",
			TaskQueue:                "arbor-research",
			MaxConcurrentActivities:  50,
			MaxConcurrentWorkflows:   20,
			ConnectionTimeout:        10 * time.Second,
			WorkflowExecutionTimeout: 24 * time.Hour,
		},
		Generation: GenerationConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 60 * time.Second,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			ModelClasses: map[string]ModelClassConfig{
				"standard": {Async: false, MaxGenerationTime: 3 * time.Minute},
				"deep":     {Async: true, MaxGenerationTime: 30 * time.Minute},
			},
			DefaultClass: "standard",
		},
		Structuring: StructuringConfig{
			BaseURL:        "http://localhost:8001",
			RequestTimeout: 2 * time.Minute,
		},
		Dispatch: DispatchConfig{
			BatchSize:   5,
			BatchDelay:  10 * time.Second,
			MaxParallel: 25,
		},
		Poll: PollConfig{
			Interval: 15 * time.Second,
			LogEvery: 4,
			MaxPolls: 240,
		},
		Synthesis: SynthesisConfig{
			ContextCharBudget: 60000,
			MinBatchRows:      3,
			AggregateInstruction: "Combine the provided rows into a single consolidated table. " +
				"Keep one output row per input row, preserve every column including " +
				"source_node and source_level, and merge columns that describe the " +
				"same property under one name.",
		},
		CircuitBreakers: CircuitBreakersConfig{
			Database: CircuitBreakerConfig{
				MaxRequests: 3,
				Interval:    30 * time.Second,
				Timeout:     60 * time.Second,
				MaxFailures: 3,
				Enabled:     true,
			},
			Redis: CircuitBreakerConfig{
				MaxRequests: 5,
				Interval:    30 * time.Second,
				Timeout:     60 * time.Second,
				MaxFailures: 5,
				Enabled:     true,
			},
			Generation: CircuitBreakerConfig{
				MaxRequests: 10,
				Interval:    30 * time.Second,
				Timeout:     60 * time.Second,
				MaxFailures: 10,
				Enabled:     true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "arbor-orchestrator",
			SamplingRate: 0.1,
		},
		Streaming: StreamingConfig{
			RingSize:       256,
			ReplayLimit:    64,
			SubscriberSlow: 128,
		},
		Session: SessionConfig{
			ProgressTTL: 24 * time.Hour,
		},
	}
}

// Load reads arbor.yaml from CONFIG_PATH or ./config/arbor.yaml. Missing file
// is not an error; defaults apply.
func Load() (*ArborConfig, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/arbor.yaml"
	}

	cfg := DefaultArborConfig()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// MetricsPort returns the metrics port from an env override METRICS_PORT,
// falling back to defaultPort
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	return defaultPort
}

// ValidateArborConfig validates a raw configuration map before it is applied
func ValidateArborConfig(config map[string]interface{}) error {
	if service, ok := config["service"].(map[string]interface{}); ok {
		if port, ok := service["port"].(float64); ok && (port < 1 || port > 65535) {
			return fmt.Errorf("service port must be between 1 and 65535, got %v", port)
		}
		if healthPort, ok := service["health_port"].(float64); ok && (healthPort < 1 || healthPort > 65535) {
			return fmt.Errorf("health port must be between 1 and 65535, got %v", healthPort)
		}
	}

	if dispatch, ok := config["dispatch"].(map[string]interface{}); ok {
		if v, ok := dispatch["batch_size"].(float64); ok && v < 1 {
			return fmt.Errorf("dispatch batch_size must be at least 1, got %v", v)
		}
		if v, ok := dispatch["max_parallel"].(float64); ok && v < 1 {
			return fmt.Errorf("dispatch max_parallel must be at least 1, got %v", v)
		}
	}

	if poll, ok := config["poll"].(map[string]interface{}); ok {
		if v, ok := poll["log_every"].(float64); ok && v < 1 {
			return fmt.Errorf("poll log_every must be at least 1, got %v", v)
		}
		if v, ok := poll["max_polls"].(float64); ok && v < 1 {
			return fmt.Errorf("poll max_polls must be at least 1, got %v", v)
		}
	}

	if synthesis, ok := config["synthesis"].(map[string]interface{}); ok {
		if v, ok := synthesis["context_char_budget"].(float64); ok && v < 1000 {
			return fmt.Errorf("synthesis context_char_budget must be at least 1000, got %v", v)
		}
		if v, ok := synthesis["min_batch_rows"].(float64); ok && v < 1 {
			return fmt.Errorf("synthesis min_batch_rows must be at least 1, got %v", v)
		}
	}

	if generation, ok := config["generation"].(map[string]interface{}); ok {
		if v, ok := generation["rate_limit_rps"].(float64); ok && v < 0 {
			return fmt.Errorf("generation rate_limit_rps cannot be negative, got %v", v)
		}
	}

	return nil
}

// ConfigurationCallback is called when significant configuration changes occur
type ConfigurationCallback func(oldConfig, newConfig *ArborConfig) error

// ArborConfigManager provides typed access to the orchestrator configuration
// with hot reload through the underlying ConfigManager.
type ArborConfigManager struct {
	configManager *ConfigManager
	currentConfig *ArborConfig
	logger        *zap.Logger
	callbacks     []ConfigurationCallback
	mu            sync.RWMutex
}

// NewArborConfigManager creates a new typed configuration manager
func NewArborConfigManager(configManager *ConfigManager, logger *zap.Logger) *ArborConfigManager {
	return &ArborConfigManager{
		configManager: configManager,
		currentConfig: DefaultArborConfig(),
		logger:        logger,
		callbacks:     make([]ConfigurationCallback, 0),
	}
}

// GetConfig returns a copy of the current configuration
func (acm *ArborConfigManager) GetConfig() *ArborConfig {
	acm.mu.RLock()
	defer acm.mu.RUnlock()
	config := *acm.currentConfig
	return &config
}

// Initialize registers validators and change handlers for arbor config files
func (acm *ArborConfigManager) Initialize() error {
	acm.configManager.RegisterValidator("arbor.yaml", ValidateArborConfig)
	acm.configManager.RegisterValidator("arbor.json", ValidateArborConfig)

	acm.configManager.RegisterHandler("arbor.yaml", acm.handleConfigChange)
	acm.configManager.RegisterHandler("arbor.json", acm.handleConfigChange)

	if config, exists := acm.configManager.GetConfig("arbor.yaml"); exists {
		if err := acm.updateConfigFromMap(config); err != nil {
			acm.logger.Error("Failed to load arbor.yaml", zap.Error(err))
		}
	} else if config, exists := acm.configManager.GetConfig("arbor.json"); exists {
		if err := acm.updateConfigFromMap(config); err != nil {
			acm.logger.Error("Failed to load arbor.json", zap.Error(err))
		}
	}

	return nil
}

// RegisterCallback registers a callback for configuration changes
func (acm *ArborConfigManager) RegisterCallback(callback ConfigurationCallback) {
	acm.mu.Lock()
	defer acm.mu.Unlock()
	acm.callbacks = append(acm.callbacks, callback)
}

// handleConfigChange processes configuration changes
func (acm *ArborConfigManager) handleConfigChange(event ChangeEvent) error {
	acm.logger.Info("Orchestrator configuration changed",
		zap.String("file", event.File),
		zap.String("action", event.Action),
	)

	if event.Action == "delete" {
		acm.mu.Lock()
		oldConfig := acm.currentConfig
		acm.currentConfig = DefaultArborConfig()
		newConfig := acm.currentConfig
		acm.mu.Unlock()
		acm.logger.Info("Reverted to default configuration")
		acm.triggerCallbacks(oldConfig, newConfig)
		return nil
	}

	return acm.updateConfigFromMap(event.Config)
}

// updateConfigFromMap decodes the raw map over a fresh default config so
// unset keys keep their defaults.
func (acm *ArborConfigManager) updateConfigFromMap(configMap map[string]interface{}) error {
	newConfig := DefaultArborConfig()

	v := viper.New()
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("merge config map: %w", err)
	}
	if err := v.Unmarshal(newConfig); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	acm.mu.Lock()
	oldConfig := acm.currentConfig
	acm.currentConfig = newConfig
	acm.mu.Unlock()

	acm.logger.Info("Orchestrator configuration updated",
		zap.String("generation_base_url", newConfig.Generation.BaseURL),
		zap.Int("dispatch_batch_size", newConfig.Dispatch.BatchSize),
		zap.Duration("poll_interval", newConfig.Poll.Interval),
	)

	acm.triggerCallbacks(oldConfig, newConfig)
	return nil
}

func (acm *ArborConfigManager) triggerCallbacks(oldConfig, newConfig *ArborConfig) {
	acm.mu.RLock()
	callbacks := make([]ConfigurationCallback, len(acm.callbacks))
	copy(callbacks, acm.callbacks)
	acm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			acm.logger.Error("Configuration callback failed", zap.Error(err))
		}
	}
}
