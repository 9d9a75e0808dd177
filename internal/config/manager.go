package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one observed change to a config file. Config holds
// the newly parsed content, or the last known content when Action is
// "delete".
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"`
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler receives change events for a registered file.
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches a directory of YAML/JSON config files, keeps their
// parsed contents in memory, and notifies registered handlers on change.
// Validators run before a file's content is accepted; a file that fails
// validation keeps its previous content.
type ConfigManager struct {
	configDir string
	logger    *zap.Logger
	watcher   *fsnotify.Watcher

	mu         sync.RWMutex
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]func(map[string]interface{}) error
	started    bool
	stopCh     chan struct{}
}

// NewConfigManager creates a manager for configDir, creating the directory
// when missing.
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:  configDir,
		logger:     logger,
		watcher:    watcher,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start loads every config file in the directory and begins watching for
// changes. Calling Start twice is a no-op.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	go cm.watchLoop()

	cm.mu.RLock()
	loaded := len(cm.configs)
	cm.mu.RUnlock()
	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
	)
	return nil
}

// Stop ends the watch loop and closes the watcher.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	cm.started = false
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Warn("Error closing file watcher", zap.Error(err))
	}
	return nil
}

// RegisterHandler subscribes a handler to changes of one file.
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
}

// RegisterValidator installs the validator run before accepting new content
// for one file. One validator per file; a later registration replaces it.
func (cm *ConfigManager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// GetConfig returns a copy of the current parsed content for filename.
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	config, ok := cm.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(config), true
}

func (cm *ConfigManager) watchLoop() {
	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		cm.handleRemoval(filename)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		// Editors often produce several write events in a burst; a short
		// pause lets the file settle before parsing.
		time.Sleep(50 * time.Millisecond)
		if err := cm.loadFile(event.Name, "modify"); err != nil {
			cm.logger.Error("Failed to reload config file",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func (cm *ConfigManager) loadAll() error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return cm.loadFile(path, "initial_load")
	})
}

func (cm *ConfigManager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	filename := filepath.Base(path)

	config := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}

	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyMap(config),
		Timestamp: time.Now(),
	})

	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *ConfigManager) handleRemoval(filename string) {
	cm.mu.Lock()
	last := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    copyMap(last),
		Timestamp: time.Now(),
	})
	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

// notify runs handlers without holding cm.mu, so a handler may call back
// into the manager.
func (cm *ConfigManager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
