package engine

import (
	"time"

	engpipeline "github.com/99souls/waypoint/engine/internal/pipeline"
	engresources "github.com/99souls/waypoint/engine/internal/resources"
	engruntime "github.com/99souls/waypoint/engine/internal/runtime"
)

// Config is the public configuration surface for the Controller. It
// narrows and normalizes the underlying Worker pipeline and resource
// manager configs; New takes no construction options beyond Config and
// Sources.
type Config struct {
	// Worker settings (spec §4.2, §5: one goroutine pool per ingest source).
	GnssWorkers     int
	SensorWorkers   int
	PressureWorkers int
	BufferSize      int

	// Batching (spec §4.2 steps 3, 4, 6).
	SensorBatchSize   int
	SensorBatchWindow time.Duration
	PressureWindow    time.Duration
	WriteBatchCap     int

	// LowDiskThresholdBytes is the free-space floor below which the
	// configured EventHandlingStrategy.handleSpaceWarning is invoked before
	// the next batch write (spec §4.2 step 7).
	LowDiskThresholdBytes int64

	// Retry policy for a failed batch write (spec §4.2 "Failure semantics":
	// retried once, then surfaced).
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	// Command timeouts (spec §5: start/stop/pause/resume bounded waits).
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	PauseTimeout  time.Duration
	ResumeTimeout time.Duration

	// Resource management: the bounded write-queue cache/spill/checkpoint.
	Resources engresources.Config

	// Persistence is the path to the local sqlite store file.
	PersistencePath string

	// FileFormatVersion is stamped on every new Measurement row.
	FileFormatVersion int

	// LivenessBufferSize bounds how many outstanding isRunning probes a
	// Worker may lag behind on (spec §4.5).
	LivenessBufferSize int

	// HotReloadConfigPath, if set, points at a YAML file holding a
	// runtime.CaptureTuning the Controller watches for changes and applies to
	// every Worker launched after the change is observed (SPEC_FULL.md
	// "[AMBIENT] Configuration": batch caps, low-disk threshold, and sensor
	// frequency are safe to change without a Worker restart). Leave empty to
	// disable hot reload entirely.
	HotReloadConfigPath string

	// --- Telemetry surface ---
	MetricsEnabled       bool
	PrometheusListenAddr string
	// MetricsBackend selects the implementation when MetricsEnabled is true.
	// Supported: "prom" (default), "otel", "noop". Unknown values fall back
	// to "prom".
	MetricsBackend string
	EventsEnabled  bool
	HealthEnabled  bool

	// diskFreeOverride lets tests substitute a deterministic DiskChecker for
	// the real syscall.Statfs-backed one (engine/diskcheck.go), so the
	// low-disk self-stop guard (spec §4.2 step 7, §8 scenario 6) can be
	// exercised without an actual full disk. Unexported: production callers
	// configure the real persistence path instead.
	diskFreeOverride engpipeline.DiskChecker
}

// Bounded-wait accessors (spec §5): zero-value fields fall back to the
// Defaults() deadlines so a partially filled Config never waits forever.
func (c Config) startTimeout() time.Duration  { return orDefault(c.StartTimeout) }
func (c Config) stopTimeout() time.Duration   { return orDefault(c.StopTimeout) }
func (c Config) pauseTimeout() time.Duration  { return orDefault(c.PauseTimeout) }
func (c Config) resumeTimeout() time.Duration { return orDefault(c.ResumeTimeout) }

func orDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 10 * time.Second
}

// engineOptions are internal construction options resolved by New().
type engineOptions struct {
	resourceManager *engresources.Manager
}

func (c Config) toPipelineConfig(opts engineOptions) *engpipeline.PipelineConfig {
	return &engpipeline.PipelineConfig{
		GnssWorkers:       c.GnssWorkers,
		SensorWorkers:     c.SensorWorkers,
		PressureWorkers:   c.PressureWorkers,
		BufferSize:        c.BufferSize,
		SensorBatchSize:   c.SensorBatchSize,
		SensorBatchWindow: c.SensorBatchWindow,
		PressureWindow:    c.PressureWindow,
		WriteBatchCap:     c.WriteBatchCap,
		LowDiskThreshold:  c.LowDiskThresholdBytes,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		RetryMaxAttempts:  c.RetryMaxAttempts,
		ResourceManager:   opts.resourceManager,
	}
}

// applyTuning overrides the hot-reloadable subset of a PipelineConfig with
// non-zero fields from a runtime.CaptureTuning snapshot (SPEC_FULL.md
// "[AMBIENT] Configuration"). Zero-value fields mean "not set by the hot
// reload file" and leave the Config-derived default untouched.
func applyTuning(pc *engpipeline.PipelineConfig, t engruntime.CaptureTuning) {
	if t.SensorBatchSize > 0 {
		pc.SensorBatchSize = t.SensorBatchSize
	}
	if t.SensorBatchWindow > 0 {
		pc.SensorBatchWindow = t.SensorBatchWindow
	}
	if t.PressureWindow > 0 {
		pc.PressureWindow = t.PressureWindow
	}
	if t.WriteBatchCap > 0 {
		pc.WriteBatchCap = t.WriteBatchCap
	}
	if t.LowDiskThresholdBytes > 0 {
		pc.LowDiskThreshold = t.LowDiskThresholdBytes
	}
}

// Defaults returns a Config with reasonable defaults for the capture engine.
func Defaults() Config {
	return Config{
		GnssWorkers:     1,
		SensorWorkers:   2,
		PressureWorkers: 1,
		BufferSize:      256,

		SensorBatchSize:   50,
		SensorBatchWindow: 2 * time.Second,
		PressureWindow:    1 * time.Second,
		WriteBatchCap:     500,

		LowDiskThresholdBytes: 100 * 1024 * 1024,

		RetryBaseDelay:   200 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
		RetryMaxAttempts: 1,

		StartTimeout:  10 * time.Second,
		StopTimeout:   10 * time.Second,
		PauseTimeout:  10 * time.Second,
		ResumeTimeout: 10 * time.Second,

		Resources: engresources.Config{
			CacheCapacity:      64,
			MaxInFlight:        16,
			CheckpointInterval: 50 * time.Millisecond,
		},

		PersistencePath: "waypoint.db",

		MetricsEnabled:       false,
		PrometheusListenAddr: "",
		MetricsBackend:       "prom",
		EventsEnabled:        true,
		HealthEnabled:        true,
	}
}
