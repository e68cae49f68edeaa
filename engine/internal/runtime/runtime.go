package runtime

// Internalized hot-reloadable capture tuning configuration. Watches a
// capture.yaml for the subset of engine.Config safe to change without a
// Worker restart: batch caps, the low-disk threshold, and sensor frequency.

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CaptureTuning is the hot-reloadable subset of Worker tuning knobs (spec
// SPEC_FULL.md "[AMBIENT] Configuration").
type CaptureTuning struct {
	SensorBatchSize       int           `yaml:"sensor_batch_size"`
	SensorBatchWindow     time.Duration `yaml:"sensor_batch_window"`
	PressureWindow        time.Duration `yaml:"pressure_window"`
	WriteBatchCap         int           `yaml:"write_batch_cap"`
	LowDiskThresholdBytes int64         `yaml:"low_disk_threshold_bytes"`
	SensorHz              float64       `yaml:"sensor_hz"`
}

type RuntimeBusinessConfig struct {
	Version          string
	UpdatedAt        time.Time
	Tuning           CaptureTuning
	HotReloadEnabled bool
	ConfigSource     string
	Checksum         string
}

type RuntimeConfigManager struct {
	configPath    string
	currentConfig *RuntimeBusinessConfig
	mutex         sync.RWMutex
	validators    []ConfigValidator
}

type ConfigValidator interface {
	Validate(config *RuntimeBusinessConfig) error
}

type HotReloadSystem struct {
	configPath string
	watcher    *fsnotify.Watcher
	isWatching bool
	mutex      sync.Mutex
}

type ConfigChange struct {
	*RuntimeBusinessConfig
	ChangeType       string
	ChangedAt        time.Time
	PreviousChecksum string
}

type ConfigVersionManager struct {
	versionsDir string
	mutex       sync.RWMutex
}

type ConfigVersion struct {
	Version           string
	Config            *RuntimeBusinessConfig
	SavedAt           time.Time
	ChangeDescription string
	PreviousVersion   string
}

func NewRuntimeConfigManager(configPath string) (*RuntimeConfigManager, error) {
	manager := &RuntimeConfigManager{configPath: configPath, currentConfig: &RuntimeBusinessConfig{}, validators: make([]ConfigValidator, 0)}
	manager.AddValidator(&defaultConfigValidator{})
	return manager, nil
}

func (rcm *RuntimeConfigManager) AddValidator(validator ConfigValidator) {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()
	rcm.validators = append(rcm.validators, validator)
}

func (rcm *RuntimeConfigManager) LoadConfiguration() error {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()
	if _, err := os.Stat(rcm.configPath); os.IsNotExist(err) {
		rcm.currentConfig = &RuntimeBusinessConfig{UpdatedAt: time.Now()}
		return nil
	}
	data, err := os.ReadFile(rcm.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg RuntimeBusinessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	rcm.currentConfig = &cfg
	return nil
}

func (rcm *RuntimeConfigManager) UpdateConfiguration(cfg *RuntimeBusinessConfig) error {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()
	if err := rcm.validateConfiguration(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.UpdatedAt = time.Now()
	cfg.Checksum = rcm.calculateChecksum(cfg)
	rcm.currentConfig = cfg
	return rcm.saveConfigurationToFile(cfg)
}

func (rcm *RuntimeConfigManager) GetCurrentConfig() *RuntimeBusinessConfig {
	rcm.mutex.RLock()
	defer rcm.mutex.RUnlock()
	cpy := *rcm.currentConfig
	return &cpy
}
func (rcm *RuntimeConfigManager) ValidateConfiguration(cfg *RuntimeBusinessConfig) error {
	rcm.mutex.RLock()
	defer rcm.mutex.RUnlock()
	return rcm.validateConfiguration(cfg)
}
func (rcm *RuntimeConfigManager) validateConfiguration(cfg *RuntimeBusinessConfig) error {
	for _, v := range rcm.validators {
		if err := v.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (rcm *RuntimeConfigManager) saveConfigurationToFile(cfg *RuntimeBusinessConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(rcm.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(rcm.configPath, data, 0644)
}

func (rcm *RuntimeConfigManager) calculateChecksum(cfg *RuntimeBusinessConfig) string {
	cpy := *cfg
	cpy.Checksum = ""
	data, _ := json.Marshal(cpy)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func NewHotReloadSystem(configPath string) (*HotReloadSystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &HotReloadSystem{configPath: configPath, watcher: watcher}, nil
}

func (hrs *HotReloadSystem) WatchConfigChanges(ctx context.Context) (<-chan *ConfigChange, <-chan error) {
	changes := make(chan *ConfigChange, 10)
	errs := make(chan error, 10)
	hrs.mutex.Lock()
	if hrs.isWatching {
		hrs.mutex.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	configDir := filepath.Dir(hrs.configPath)
	if err := hrs.watcher.Add(configDir); err != nil {
		hrs.mutex.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", configDir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	hrs.isWatching = true
	hrs.mutex.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		var last *RuntimeBusinessConfig
		for {
			select {
			case e, ok := <-hrs.watcher.Events:
				if !ok {
					return
				}
				if e.Name != hrs.configPath {
					continue
				}
				if e.Op&fsnotify.Write == fsnotify.Write {
					nc, err := hrs.loadConfigFromFile()
					if err != nil {
						errs <- err
						continue
					}
					if hrs.DetectChanges(last, nc) {
						ch := &ConfigChange{RuntimeBusinessConfig: nc, ChangeType: "file_modified", ChangedAt: time.Now()}
						if last != nil {
							ch.PreviousChecksum = last.Checksum
						}
						changes <- ch
						last = nc
					}
				}
			case err, ok := <-hrs.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

func (hrs *HotReloadSystem) StopWatching() error {
	hrs.mutex.Lock()
	defer hrs.mutex.Unlock()
	if hrs.isWatching {
		hrs.isWatching = false
		return hrs.watcher.Close()
	}
	return nil
}
func (hrs *HotReloadSystem) DetectChanges(oldC, newC *RuntimeBusinessConfig) bool {
	if oldC == nil && newC == nil {
		return false
	}
	if oldC == nil || newC == nil {
		return true
	}
	if oldC.Checksum != "" && newC.Checksum != "" {
		return oldC.Checksum != newC.Checksum
	}
	od, _ := json.Marshal(oldC)
	nd, _ := json.Marshal(newC)
	return string(od) != string(nd)
}
func (hrs *HotReloadSystem) loadConfigFromFile() (*RuntimeBusinessConfig, error) {
	if _, err := os.Stat(hrs.configPath); os.IsNotExist(err) {
		return &RuntimeBusinessConfig{}, nil
	}
	data, err := os.ReadFile(hrs.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg RuntimeBusinessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

func NewConfigVersionManager(dir string) (*ConfigVersionManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create versions dir: %w", err)
	}
	return &ConfigVersionManager{versionsDir: dir}, nil
}
func (cvm *ConfigVersionManager) SaveVersion(cfg *RuntimeBusinessConfig, changeDescription string, args ...interface{}) error {
	cvm.mutex.Lock()
	defer cvm.mutex.Unlock()
	desc := fmt.Sprintf(changeDescription, args...)
	v := &ConfigVersion{Version: cfg.Version, Config: cfg, SavedAt: time.Now(), ChangeDescription: desc}
	vf := filepath.Join(cvm.versionsDir, fmt.Sprintf("%s.json", cfg.Version))
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	return os.WriteFile(vf, data, 0644)
}
func (cvm *ConfigVersionManager) GetVersionHistory() ([]*ConfigVersion, error) {
	cvm.mutex.RLock()
	defer cvm.mutex.RUnlock()
	files, err := os.ReadDir(cvm.versionsDir)
	if err != nil {
		return nil, fmt.Errorf("read versions dir: %w", err)
	}
	var versions []*ConfigVersion
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		vf := filepath.Join(cvm.versionsDir, f.Name())
		data, err := os.ReadFile(vf)
		if err != nil {
			continue
		}
		var v ConfigVersion
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		versions = append(versions, &v)
	}
	return versions, nil
}
func (cvm *ConfigVersionManager) RollbackToVersion(v string) (*RuntimeBusinessConfig, error) {
	cvm.mutex.RLock()
	defer cvm.mutex.RUnlock()
	vf := filepath.Join(cvm.versionsDir, fmt.Sprintf("%s.json", v))
	if _, err := os.Stat(vf); os.IsNotExist(err) {
		return nil, fmt.Errorf("version not found: %s", v)
	}
	data, err := os.ReadFile(vf)
	if err != nil {
		return nil, fmt.Errorf("read version file: %w", err)
	}
	var ver ConfigVersion
	if err := json.Unmarshal(data, &ver); err != nil {
		return nil, fmt.Errorf("parse version file: %w", err)
	}
	return ver.Config, nil
}

type defaultConfigValidator struct{}

func (dcv *defaultConfigValidator) Validate(cfg *RuntimeBusinessConfig) error {
	t := cfg.Tuning
	if t.SensorBatchSize < 0 {
		return fmt.Errorf("invalid tuning: sensor_batch_size must be non-negative")
	}
	if t.WriteBatchCap < 0 {
		return fmt.Errorf("invalid tuning: write_batch_cap must be non-negative")
	}
	if t.LowDiskThresholdBytes < 0 {
		return fmt.Errorf("invalid tuning: low_disk_threshold_bytes must be non-negative")
	}
	if t.SensorHz < 0 {
		return fmt.Errorf("invalid tuning: sensor_hz must be non-negative")
	}
	return nil
}
