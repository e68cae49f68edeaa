// Package engine implements the Controller of spec §4.1: the host-facing
// facade over one device's measurement lifecycle. Grounded on Ariadne's
// Engine facade (the single struct a host constructs and drives) and on
// goProbe's captureCommand/stateFn idiom (pkg/capture/capture.go): every
// lifecycle operation is a command value sent to a single executor
// goroutine, so start/pause/resume/stop are serialized without a mutex a
// caller could forget to hold. disconnect/reconnect/isRunning intentionally
// bypass that executor — spec §4.1 requires they never block behind a
// long-running start or stop.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	engresources "github.com/99souls/waypoint/engine/internal/resources"
	engruntime "github.com/99souls/waypoint/engine/internal/runtime"
	"github.com/99souls/waypoint/engine/internal/telemetry/events"
	"github.com/99souls/waypoint/engine/internal/telemetry/metrics"
	"github.com/99souls/waypoint/engine/internal/telemetry/policy"
	"github.com/99souls/waypoint/engine/internal/telemetry/tracing"
	"github.com/99souls/waypoint/engine/internal/workerctl"
	"github.com/99souls/waypoint/engine/liveness"
	"github.com/99souls/waypoint/engine/models"
	"github.com/99souls/waypoint/engine/persistence"
	"github.com/99souls/waypoint/engine/strategies"
	"github.com/99souls/waypoint/engine/telemetry/health"
	"github.com/99souls/waypoint/engine/telemetry/logging"
)

// CurrentFileFormatVersion is stamped on every Measurement created by this
// build of the engine.
const CurrentFileFormatVersion = 1

// OnStarted is invoked exactly once, with the measurement id, when a start
// or resume command completes successfully (spec §4.1).
type OnStarted func(measurementID int64)

// OnStopped is invoked exactly once when a pause or stop command completes;
// stoppedSuccessfully distinguishes a clean OPEN->FINISHED stop from the
// PAUSED->FINISHED case (spec §9 open question, resolved false).
type OnStopped func(measurementID int64, stoppedSuccessfully bool)

// OnErrorState receives the asynchronous errors of spec §7: worker stop
// timeouts, terminal persistence failures, and source subscription failures.
// Synchronous precondition violations are returned from the command that
// raised them instead.
type OnErrorState func(measurementID int64, err error)

// activeMeasurement tracks the single measurement the Controller currently
// owns. worker is nil while PAUSED: pause tears the Worker down entirely and
// resume launches a fresh one bound to the same measurement id, since the
// capture pipeline has no partial-pause mode of its own.
type activeMeasurement struct {
	id       int64
	modality models.Modality
	strategy *strategies.Composed
	worker   *workerctl.Worker
}

// Controller is the host-facing facade described in spec §4.1. One
// Controller owns one persistence store and, at most, one running
// measurement at a time.
type Controller struct {
	cfg     Config
	sources Sources

	store    *persistence.Store
	resMgr   *engresources.Manager
	bus      events.Bus
	health   *health.Evaluator
	logger   logging.Logger
	tracer   tracing.Tracer
	provider metrics.Provider
	composer strategies.Composer

	stateMu sync.RWMutex
	active  *activeMeasurement

	errMu        sync.RWMutex
	onErrorState OnErrorState

	cmds      chan ctrlCommand
	doneCh    chan struct{}
	closeOnce sync.Once

	// Hot-reloadable tuning (SPEC_FULL.md "[AMBIENT] Configuration"). All
	// nil unless Config.HotReloadConfigPath is set.
	runtimeCfg    *engruntime.RuntimeConfigManager
	hotReload     *engruntime.HotReloadSystem
	versions      *engruntime.ConfigVersionManager
	versionSeq    int64
	hotReloadCtx  context.Context
	hotReloadStop context.CancelFunc
	tuningMu      sync.RWMutex
	tuning        engruntime.CaptureTuning
}

// New opens the persistence store, wires the telemetry stack, and starts the
// command executor. The returned Controller performs no recovery scan
// itself; recovery is driven transparently by the first Start call (spec §8
// scenario 3).
func New(cfg Config, sources Sources) (*Controller, error) {
	store, err := persistence.Open(cfg.PersistencePath)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}

	// The checkpoint log and spill directory live beside the persistence
	// file unless the host points them elsewhere, so the resource manager's
	// queue depth (and the health probe watching it) reflect real activity.
	resCfg := cfg.Resources
	if resCfg.CheckpointPath == "" {
		resCfg.CheckpointPath = filepath.Join(filepath.Dir(cfg.PersistencePath), "waypoint.checkpoints")
	}
	if resCfg.SpillDirectory == "" {
		resCfg.SpillDirectory = filepath.Join(filepath.Dir(cfg.PersistencePath), "spill")
	}
	resMgr, err := engresources.NewManager(resCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init resource manager: %w", err)
	}

	provider := selectMetricsProvider(cfg)
	bus := events.NewBus(provider)
	pol := policy.Default().Normalize()

	healthEval := health.NewEvaluator(pol.Health.ProbeTTL)
	healthEval.Register(health.ProbeFunc(func(context.Context) health.ProbeResult {
		stats := resMgr.Stats()
		switch {
		case stats.CheckpointQueued >= pol.Health.ResourceUnhealthyCheckpoint:
			return health.Unhealthy("resources", fmt.Sprintf("checkpoint backlog %d", stats.CheckpointQueued))
		case stats.CheckpointQueued >= pol.Health.ResourceDegradedCheckpoint:
			return health.Degraded("resources", fmt.Sprintf("checkpoint backlog %d", stats.CheckpointQueued))
		default:
			return health.Healthy("resources")
		}
	}))

	c := &Controller{
		cfg:      cfg,
		sources:  sources,
		store:    store,
		resMgr:   resMgr,
		bus:      bus,
		health:   healthEval,
		logger:   logging.New(nil),
		tracer:   tracing.NewAdaptiveTracer(func() float64 { return pol.Tracing.SamplePercent }),
		provider: provider,
		composer: strategies.NewComposer(),
		cmds:     make(chan ctrlCommand, 16),
		doneCh:   make(chan struct{}),
	}
	if cfg.HotReloadConfigPath != "" {
		if err := c.initHotReload(cfg.HotReloadConfigPath); err != nil {
			_ = store.Close()
			_ = resMgr.Close()
			return nil, fmt.Errorf("init hot reload config: %w", err)
		}
	}

	go c.run()
	return c, nil
}

// initHotReload loads the initial CaptureTuning from path and starts a
// watcher goroutine that applies subsequent file edits to c.tuning, picked
// up by the next Worker launchWorker constructs (grounded on the teacher's
// own fsnotify-backed hot-reload config watcher, retargeted at this domain's
// capture tuning knobs instead of scraper crawl-policy knobs). Every applied
// change is also snapshotted to a versions directory beside the config file
// so a host can inspect or audit the tuning history via
// Controller.ConfigVersionHistory.
func (c *Controller) initHotReload(path string) error {
	rcm, err := engruntime.NewRuntimeConfigManager(path)
	if err != nil {
		return err
	}
	if err := rcm.LoadConfiguration(); err != nil {
		return err
	}
	hrs, err := engruntime.NewHotReloadSystem(path)
	if err != nil {
		return err
	}
	versionsDir := filepath.Join(filepath.Dir(path), "versions")
	vm, err := engruntime.NewConfigVersionManager(versionsDir)
	if err != nil {
		return err
	}
	c.runtimeCfg = rcm
	c.hotReload = hrs
	c.versions = vm
	c.tuning = rcm.GetCurrentConfig().Tuning

	c.hotReloadCtx, c.hotReloadStop = context.WithCancel(context.Background())
	changes, errs := hrs.WatchConfigChanges(c.hotReloadCtx)
	go func() {
		for {
			select {
			case ch, ok := <-changes:
				if !ok {
					return
				}
				c.tuningMu.Lock()
				c.tuning = ch.Tuning
				c.tuningMu.Unlock()
				snap := *ch.RuntimeBusinessConfig
				snap.Version = fmt.Sprintf("%d", atomic.AddInt64(&c.versionSeq, 1))
				if err := c.versions.SaveVersion(&snap, "hot reload: %s", ch.ChangeType); err != nil {
					c.logger.ErrorCtx(c.hotReloadCtx, "save config version failed", "error", err)
				}
				c.logger.InfoCtx(c.hotReloadCtx, "capture tuning reloaded", "change_type", ch.ChangeType)
			case err, ok := <-errs:
				if !ok {
					continue
				}
				c.logger.ErrorCtx(c.hotReloadCtx, "capture tuning reload failed", "error", err)
			case <-c.hotReloadCtx.Done():
				return
			}
		}
	}()
	return nil
}

// ConfigVersionHistory returns every hot-reload tuning snapshot recorded so
// far (SPEC_FULL.md "[AMBIENT] Configuration"). Returns nil, nil when hot
// reload is disabled (Config.HotReloadConfigPath unset).
func (c *Controller) ConfigVersionHistory() ([]*engruntime.ConfigVersion, error) {
	if c.versions == nil {
		return nil, nil
	}
	return c.versions.GetVersionHistory()
}

// selectMetricsProvider mirrors the teacher's backend-selection switch: the
// default is a Prometheus registry; "otel" and "noop" are opt-in, and
// metrics are entirely disabled unless Config.MetricsEnabled is set.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "waypoint"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// Close stops the command executor, tears down any running Worker, and
// releases the resource manager and persistence store. Safe to call more
// than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		if c.hotReloadStop != nil {
			c.hotReloadStop()
			_ = c.hotReload.StopWatching()
		}
		c.stateMu.Lock()
		active := c.active
		c.active = nil
		c.stateMu.Unlock()
		if active != nil && active.worker != nil {
			c.stopWorker(active.id, active.worker, c.cfg.stopTimeout())
		}
		if c.resMgr != nil {
			_ = c.resMgr.Close()
		}
		_ = c.store.Close()
	})
	return nil
}

// Health returns the cached (or freshly evaluated, if stale) health snapshot.
func (c *Controller) Health(ctx context.Context) health.Snapshot { return c.health.Evaluate(ctx) }

// Subscribe attaches a new listener to the Controller's event bus (spec §6
// "Emits messages" fan-out).
func (c *Controller) Subscribe(buffer int) (events.Subscription, error) {
	return c.bus.Subscribe(buffer)
}

// OnErrorState registers the handler for asynchronous errors (spec §7).
// At most one handler is active; a later call replaces the earlier one.
func (c *Controller) OnErrorState(fn OnErrorState) {
	c.errMu.Lock()
	c.onErrorState = fn
	c.errMu.Unlock()
}

// deliverErrorState invokes the registered OnErrorState handler, if any.
// Worker-originated errors arrive here already published to the event bus.
func (c *Controller) deliverErrorState(measurementID int64, err error) {
	c.errMu.RLock()
	fn := c.onErrorState
	c.errMu.RUnlock()
	if fn != nil {
		fn(measurementID, err)
	}
}

// notifyErrorState publishes a Controller-originated asynchronous error to
// the event bus and delivers it to the OnErrorState handler.
func (c *Controller) notifyErrorState(measurementID int64, err error) {
	_ = c.bus.Publish(events.Event{
		Category: events.CategoryError,
		Type:     "error_state",
		Severity: "error",
		Fields:   map[string]any{"measurement_id": measurementID, "error": err.Error()},
	})
	c.deliverErrorState(measurementID, err)
}

// MetricsHandler returns the Prometheus scrape handler when the configured
// metrics backend is "prom" and metrics are enabled; ok is false otherwise
// (e.g. the "otel"/"noop" backends, which export or discard out of band).
// engine/internal/telemetry/metrics cannot be imported outside this module's
// engine/ subtree, so this accessor is the only way a host binary reaches it.
func (c *Controller) MetricsHandler() (handler http.Handler, ok bool) {
	p, ok := c.provider.(*metrics.PrometheusProvider)
	if !ok {
		return nil, false
	}
	return p.MetricsHandler(), true
}

// --- single-threaded command executor ----------------------------------

type ctrlCommand interface {
	execute(c *Controller)
}

type startCmd struct {
	ctx       context.Context
	modality  models.Modality
	opts      strategies.Options
	onStarted OnStarted
	reply     chan error
}

func (cmd *startCmd) execute(c *Controller) {
	ctx, span := c.tracer.StartSpan(cmd.ctx, "controller.start")
	defer span.End()
	err := c.doStart(ctx, cmd.modality, cmd.opts, cmd.onStarted)
	if err != nil {
		c.logger.ErrorCtx(ctx, "start failed", "error", err)
	} else {
		c.logger.InfoCtx(ctx, "start succeeded", "modality", cmd.modality)
	}
	cmd.reply <- err
}

type pauseCmd struct {
	ctx       context.Context
	onStopped OnStopped
	reply     chan error
}

func (cmd *pauseCmd) execute(c *Controller) { cmd.reply <- c.doPause(cmd.ctx, cmd.onStopped) }

type resumeCmd struct {
	ctx       context.Context
	onStarted OnStarted
	reply     chan error
}

func (cmd *resumeCmd) execute(c *Controller) { cmd.reply <- c.doResume(cmd.ctx, cmd.onStarted) }

type stopCmd struct {
	ctx       context.Context
	onStopped OnStopped
	reply     chan error
}

func (cmd *stopCmd) execute(c *Controller) { cmd.reply <- c.doStop(cmd.ctx, cmd.onStopped) }

type changeModalityCmd struct {
	ctx      context.Context
	modality models.Modality
	reply    chan error
}

func (cmd *changeModalityCmd) execute(c *Controller) {
	cmd.reply <- c.doChangeModality(cmd.ctx, cmd.modality)
}

// selfStopCmd is enqueued by a Worker's onSelfStop hook when the low-disk
// guard (spec §4.2 step 7) makes it stop itself; it finishes the measurement
// the same way an explicit Stop would, with stoppedSuccessfully=false (spec
// §8 scenario 6), and is a no-op if the measurement is no longer active (e.g.
// a concurrent explicit Stop already won the race).
type selfStopCmd struct{ measurementID int64 }

func (cmd *selfStopCmd) execute(c *Controller) {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil || active.id != cmd.measurementID {
		return
	}
	ctx := context.Background()
	ts := time.Now().UnixMilli()
	if err := c.store.AppendEvent(ctx, active.id, models.EventLifecycleStop, ts, ""); err != nil {
		c.logger.ErrorCtx(ctx, "append stop event after self-stop failed", "error", err, "measurement_id", active.id)
	}
	if err := c.store.SetStatus(ctx, active.id, models.StatusFinished, false); err != nil {
		c.logger.ErrorCtx(ctx, "finish measurement after self-stop failed", "error", err, "measurement_id", active.id)
	}
	if active.worker != nil {
		c.stopWorker(active.id, active.worker, c.cfg.stopTimeout())
	}

	c.stateMu.Lock()
	c.active = nil
	c.stateMu.Unlock()

	_ = c.bus.Publish(events.Event{
		Category: events.CategoryLifecycle,
		Type:     "service_stopped",
		Fields:   map[string]any{"measurement_id": active.id, "stopped_successfully": false},
	})
}

func (c *Controller) run() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd.execute(c)
		case <-c.doneCh:
			return
		}
	}
}

func (c *Controller) submit(ctx context.Context, cmd ctrlCommand, reply chan error) error {
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return models.NewLifecycleError("submit", models.NoSuchMeasurement, fmt.Errorf("controller closed"))
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a new measurement of the given modality under the supplied
// strategy options (spec §4.1 "start"). A second Start call while one is
// already OPEN is a no-op (spec §8 idempotence property) and does not
// invoke onStarted again.
func (c *Controller) Start(ctx context.Context, modality models.Modality, opts strategies.Options, onStarted OnStarted) error {
	reply := make(chan error, 1)
	return c.submit(ctx, &startCmd{ctx: ctx, modality: modality, opts: opts, onStarted: onStarted, reply: reply}, reply)
}

// Pause suspends the active measurement, tearing down its Worker while
// keeping the measurement record PAUSED (spec §4.1 "pause").
func (c *Controller) Pause(ctx context.Context, onStopped OnStopped) error {
	reply := make(chan error, 1)
	return c.submit(ctx, &pauseCmd{ctx: ctx, onStopped: onStopped, reply: reply}, reply)
}

// Resume relaunches the Worker for the currently PAUSED measurement (spec
// §4.1 "resume"). If fine-location permission has since been revoked, the
// paused measurement is force-finished before MissingPermission is returned.
func (c *Controller) Resume(ctx context.Context, onStarted OnStarted) error {
	reply := make(chan error, 1)
	return c.submit(ctx, &resumeCmd{ctx: ctx, onStarted: onStarted, reply: reply}, reply)
}

// Stop finishes the active measurement, whether OPEN or PAUSED (spec §4.1
// "stop"). stoppedSuccessfully reported to onStopped is false when the
// measurement was PAUSED rather than OPEN at the time of the call.
func (c *Controller) Stop(ctx context.Context, onStopped OnStopped) error {
	reply := make(chan error, 1)
	return c.submit(ctx, &stopCmd{ctx: ctx, onStopped: onStopped, reply: reply}, reply)
}

// ChangeModality updates the active measurement's declared transport type,
// appending a MODALITY_TYPE_CHANGE event with the new value as payload.
// Requires a measurement in OPEN or PAUSED; fails NoSuchMeasurement otherwise.
func (c *Controller) ChangeModality(ctx context.Context, modality models.Modality) error {
	reply := make(chan error, 1)
	return c.submit(ctx, &changeModalityCmd{ctx: ctx, modality: modality, reply: reply}, reply)
}

// --- command bodies, run only on the executor goroutine -----------------

func (c *Controller) doStart(ctx context.Context, modality models.Modality, opts strategies.Options, onStarted OnStarted) error {
	c.stateMu.RLock()
	alreadyActive := c.active != nil
	c.stateMu.RUnlock()
	if alreadyActive {
		return nil
	}

	if err := c.recoverDangling(ctx); err != nil {
		return err
	}

	if !c.sources.permissionGranted() {
		return models.NewLifecycleError("start", models.MissingPermission, nil)
	}

	composed, err := c.composer.Compose(opts)
	if err != nil {
		return err
	}

	// NewMeasurement inserts the row and its LIFECYCLE_START event in one
	// transaction, so a failed start leaves no Measurement row behind.
	nowMs := time.Now().UnixMilli()
	id, err := c.store.NewMeasurement(ctx, modality, c.fileFormatVersion(), nowMs)
	if err != nil {
		return err
	}

	w := c.launchWorker(id, composed)
	if outcome := w.Liveness().Probe(ctx, c.cfg.startTimeout()); outcome != liveness.Running {
		// A failed start leaves no Measurement row behind (spec §7).
		c.stopWorker(id, w, c.cfg.stopTimeout())
		_ = c.store.DeleteMeasurement(ctx, id)
		return models.NewLifecycleError("start", models.WorkerStartTimeout, nil)
	}

	c.stateMu.Lock()
	c.active = &activeMeasurement{id: id, modality: modality, strategy: composed, worker: w}
	c.stateMu.Unlock()

	_ = c.bus.Publish(events.Event{Category: events.CategoryLifecycle, Type: "service_started", Fields: map[string]any{"measurement_id": id}})

	if onStarted != nil {
		onStarted(id)
	}
	return nil
}

// recoverDangling forcibly finishes any OPEN/PAUSED measurement left behind
// by a prior crash and clears the Controller's notion of an active
// measurement, then lets doStart proceed to create the new one in the same
// call (spec §8 scenario 3: "start completes without error on the internal
// retry").
func (c *Controller) recoverDangling(ctx context.Context) error {
	open, paused := models.StatusOpen, models.StatusPaused
	var dangling []models.Measurement
	for _, st := range []*models.Status{&open, &paused} {
		ms, err := c.store.LoadMeasurementsByStatus(ctx, st)
		if err != nil {
			return err
		}
		dangling = append(dangling, ms...)
	}
	if len(dangling) == 0 {
		return nil
	}
	_ = c.bus.Publish(events.Event{
		Category: events.CategoryError,
		Type:     "corrupted_measurement",
		Severity: "warning",
		Fields:   map[string]any{"count": len(dangling)},
	})
	for _, m := range dangling {
		if err := c.store.SetStatus(ctx, m.ID, models.StatusFinished, true); err != nil {
			return err
		}
	}
	c.stateMu.Lock()
	c.active = nil
	c.stateMu.Unlock()
	return nil
}

func (c *Controller) doPause(ctx context.Context, onStopped OnStopped) error {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil {
		return models.NewLifecycleError("pause", models.NoSuchMeasurement, nil)
	}
	m, err := c.store.LoadMeasurement(ctx, active.id)
	if err != nil {
		return err
	}
	if m.Status != models.StatusOpen {
		return models.NewLifecycleError("pause", models.NoSuchMeasurement, nil)
	}

	ts := time.Now().UnixMilli()
	if err := c.store.AppendEvent(ctx, active.id, models.EventLifecyclePause, ts, ""); err != nil {
		return err
	}
	if err := c.store.SetStatus(ctx, active.id, models.StatusPaused, false); err != nil {
		return err
	}

	if active.worker != nil {
		c.stopWorker(active.id, active.worker, c.cfg.pauseTimeout())
	}
	c.stateMu.Lock()
	active.worker = nil
	c.stateMu.Unlock()

	_ = c.bus.Publish(events.Event{Category: events.CategoryLifecycle, Type: "service_paused", Fields: map[string]any{"measurement_id": active.id}})

	if onStopped != nil {
		onStopped(active.id, true)
	}
	return nil
}

func (c *Controller) doResume(ctx context.Context, onStarted OnStarted) error {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil {
		return models.NewLifecycleError("resume", models.NoSuchMeasurement, nil)
	}
	m, err := c.store.LoadMeasurement(ctx, active.id)
	if err != nil {
		return err
	}
	if m.Status != models.StatusPaused {
		return models.NewLifecycleError("resume", models.NoSuchMeasurement, nil)
	}

	if !c.sources.permissionGranted() {
		_ = c.store.SetStatus(ctx, active.id, models.StatusFinished, true)
		c.stateMu.Lock()
		c.active = nil
		c.stateMu.Unlock()
		return models.NewLifecycleError("resume", models.MissingPermission, nil)
	}

	ts := time.Now().UnixMilli()
	if err := c.store.AppendEvent(ctx, active.id, models.EventLifecycleResume, ts, ""); err != nil {
		return err
	}
	if err := c.store.SetStatus(ctx, active.id, models.StatusOpen, false); err != nil {
		return err
	}

	w := c.launchWorker(active.id, active.strategy)
	if outcome := w.Liveness().Probe(ctx, c.cfg.resumeTimeout()); outcome != liveness.Running {
		c.stopWorker(active.id, w, c.cfg.stopTimeout())
		_ = c.store.SetStatus(ctx, active.id, models.StatusFinished, true)
		c.stateMu.Lock()
		c.active = nil
		c.stateMu.Unlock()
		return models.NewLifecycleError("resume", models.WorkerStartTimeout, nil)
	}
	c.stateMu.Lock()
	active.worker = w
	c.stateMu.Unlock()

	_ = c.bus.Publish(events.Event{Category: events.CategoryLifecycle, Type: "service_started", Fields: map[string]any{"measurement_id": active.id}})

	if onStarted != nil {
		onStarted(active.id)
	}
	return nil
}

func (c *Controller) doChangeModality(ctx context.Context, modality models.Modality) error {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil {
		return models.NewLifecycleError("changeModality", models.NoSuchMeasurement, nil)
	}
	ts := time.Now().UnixMilli()
	if err := c.store.ChangeModality(ctx, active.id, modality, ts); err != nil {
		return err
	}
	c.stateMu.Lock()
	active.modality = modality
	c.stateMu.Unlock()

	_ = c.bus.Publish(events.Event{
		Category: events.CategoryLifecycle,
		Type:     "modality_changed",
		Fields:   map[string]any{"measurement_id": active.id, "modality": string(modality)},
	})
	return nil
}

func (c *Controller) doStop(ctx context.Context, onStopped OnStopped) error {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil {
		return models.NewLifecycleError("stop", models.NoSuchMeasurement, nil)
	}
	m, err := c.store.LoadMeasurement(ctx, active.id)
	if err != nil {
		return err
	}
	if m.Status != models.StatusOpen && m.Status != models.StatusPaused {
		return models.NewLifecycleError("stop", models.NoSuchMeasurement, nil)
	}
	// Resolved open question: a stop issued while PAUSED reports
	// stoppedSuccessfully=false, matching the low-disk self-stop signal.
	stoppedSuccessfully := m.Status == models.StatusOpen

	ts := time.Now().UnixMilli()
	if err := c.store.AppendEvent(ctx, active.id, models.EventLifecycleStop, ts, ""); err != nil {
		return err
	}
	if err := c.store.SetStatus(ctx, active.id, models.StatusFinished, false); err != nil {
		return err
	}
	if active.worker != nil && !c.stopWorker(active.id, active.worker, c.cfg.stopTimeout()) {
		stoppedSuccessfully = false
	}

	_ = c.bus.Publish(events.Event{
		Category: events.CategoryLifecycle,
		Type:     "service_stopped",
		Fields:   map[string]any{"measurement_id": active.id, "stopped_successfully": stoppedSuccessfully},
	})

	c.stateMu.Lock()
	c.active = nil
	c.stateMu.Unlock()

	if onStopped != nil {
		onStopped(active.id, stoppedSuccessfully)
	}
	return nil
}

// stopWorker tears w down, bounding the wait per spec §5 ("Controller waits
// are bounded by explicit timeouts"). On timeout the Worker's teardown
// goroutine is left to finish in the background and WorkerStopTimeout is
// delivered through the error-state path; doStop then reports
// stoppedSuccessfully=false for the affected measurement, while pause,
// self-stop and Close report what they would have reported anyway.
// Returns whether the Worker acknowledged within the deadline.
func (c *Controller) stopWorker(measurementID int64, w *workerctl.Worker, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.StopSelf()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		c.notifyErrorState(measurementID, models.NewLifecycleError("stop", models.WorkerStopTimeout, nil))
		return false
	}
}

// launchWorker builds a PipelineConfig bound to this store and disk checker
// and starts a Worker for it. Must only be called from the executor
// goroutine (doStart/doResume), which already holds the invariant that no
// other Worker for this Controller is running.
func (c *Controller) launchWorker(measurementID int64, composed *strategies.Composed) *workerctl.Worker {
	pc := c.cfg.toPipelineConfig(engineOptions{resourceManager: c.resMgr})
	pc.Persister = c.store
	if c.cfg.diskFreeOverride != nil {
		pc.DiskFree = c.cfg.diskFreeOverride
	} else {
		pc.DiskFree = diskFreeChecker(c.cfg.PersistencePath)
	}
	if c.runtimeCfg != nil {
		c.tuningMu.RLock()
		applyTuning(pc, c.tuning)
		hz := c.tuning.SensorHz
		c.tuningMu.RUnlock()
		if hz > 0 {
			tuned := *composed
			tuned.SensorHz = hz
			composed = &tuned
		}
	}

	return workerctl.New(measurementID, pc, composed, c.bus, c.cfg.LivenessBufferSize, workerctl.Sources{
		Location: c.sources.Location,
		Sensors:  c.sources.Sensors,
		Pressure: adaptPressureSource(c.sources.Pressure),
	}, func(id int64) {
		// Runs on the Worker's own pipeline goroutine; hand off to the
		// executor via the command channel instead of mutating Controller
		// state inline, and do the send from a fresh goroutine so a full
		// cmds channel (or a Controller mid-Close) can never stall the
		// caller.
		go func() {
			select {
			case c.cmds <- &selfStopCmd{measurementID: id}:
			case <-c.doneCh:
			}
		}()
	}, c.deliverErrorState)
}

func (c *Controller) fileFormatVersion() int {
	if c.cfg.FileFormatVersion > 0 {
		return c.cfg.FileFormatVersion
	}
	return CurrentFileFormatVersion
}

// --- liveness, connection state ------------------------------------------

// IsRunning probes the active Worker for a response within timeout (spec
// §4.5). With no active Worker it still honors the timeout budget, matching
// what a caller would observe against a genuinely unresponsive process.
func (c *Controller) IsRunning(ctx context.Context, timeout time.Duration) liveness.Outcome {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active == nil || active.worker == nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return liveness.TimedOut
	}
	return active.worker.Liveness().Probe(ctx, timeout)
}

// Disconnect detaches the control channel from the running Worker; capture
// and persistence continue uninterrupted (spec §4.1 "the Worker continues").
func (c *Controller) Disconnect(ctx context.Context) {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active != nil && active.worker != nil {
		active.worker.UnregisterClient(ctx)
	}
}

// Reconnect re-probes liveness and, if the Worker answers, re-attaches the
// control channel (spec §4.1 "On reconnect").
func (c *Controller) Reconnect(ctx context.Context, timeout time.Duration) liveness.Outcome {
	outcome := c.IsRunning(ctx, timeout)
	if outcome == liveness.Running {
		c.stateMu.RLock()
		active := c.active
		c.stateMu.RUnlock()
		if active != nil && active.worker != nil {
			active.worker.RegisterClient(ctx)
		}
	}
	return outcome
}

// --- persistence pass-throughs --------------------------------------------

// LoadMeasurements lists measurements, optionally filtered to one status.
func (c *Controller) LoadMeasurements(ctx context.Context, statusFilter *models.Status) ([]models.Measurement, error) {
	return c.store.LoadMeasurementsByStatus(ctx, statusFilter)
}

// LoadTrack reconstructs a measurement's lifecycle-bounded sub-sequences.
func (c *Controller) LoadTrack(ctx context.Context, measurementID int64) (models.Track, error) {
	return c.store.LoadTrack(ctx, measurementID)
}

// DeleteMeasurement removes a measurement and its owned rows. Refuses to
// delete the currently active one.
func (c *Controller) DeleteMeasurement(ctx context.Context, measurementID int64) error {
	c.stateMu.RLock()
	active := c.active
	c.stateMu.RUnlock()
	if active != nil && active.id == measurementID {
		return models.NewLifecycleError("deleteMeasurement", models.InvalidLifecycleTransition, fmt.Errorf("measurement %d is active", measurementID))
	}
	return c.store.DeleteMeasurement(ctx, measurementID)
}

// MarkSynced transitions a FINISHED measurement to SYNCED once a host has
// durably uploaded it (spec §3 terminal transition).
func (c *Controller) MarkSynced(ctx context.Context, measurementID int64) error {
	return c.store.SetStatus(ctx, measurementID, models.StatusSynced, false)
}

// --- source adapters -------------------------------------------------------

// adaptPressureSource bridges the public engine.PressureSource (whose
// Subscribe returns <-chan engine.PressureSample) to workerctl.PressureSource
// (<-chan workerctl.PressureSample): the two element types are structurally
// identical but named separately to keep workerctl free of an import back
// onto this package, so channel element values must be relayed through a
// forwarding goroutine rather than assigned directly.
func adaptPressureSource(src PressureSource) workerctl.PressureSource {
	if src == nil {
		return nil
	}
	return pressureSourceAdapter{src: src}
}

type pressureSourceAdapter struct{ src PressureSource }

func (a pressureSourceAdapter) Subscribe(ctx context.Context) (<-chan workerctl.PressureSample, error) {
	in, err := a.src.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan workerctl.PressureSample)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- workerctl.PressureSample{Timestamp: s.Timestamp, Value: s.Value}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
