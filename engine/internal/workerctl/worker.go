// Package workerctl is the Worker actor of spec §4.2: it owns one
// measurement's external-source subscriptions, wraps the capture pipeline,
// and exposes the IPC surface the Controller drives it through. Grounded on
// goProbe's captureCommand + stateFn idiom (pkg/capture/capture.go): a
// single goroutine drains a command channel so RegisterClient/
// UnregisterClient/StopSelf never race the data-plane goroutines feeding
// the pipeline.
package workerctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/99souls/waypoint/engine/internal/pipeline"
	"github.com/99souls/waypoint/engine/internal/telemetry/events"
	"github.com/99souls/waypoint/engine/liveness"
	"github.com/99souls/waypoint/engine/models"
	"github.com/99souls/waypoint/engine/strategies"
)

// LocationSource/SensorSource/PressureSource/PermissionChecker mirror the
// public engine.Sources collaborator contracts; workerctl does not import
// the engine package (it sits below it), so the narrow subsets it needs are
// redeclared here and satisfied structurally by whatever the caller passes.
type LocationSource interface {
	Subscribe(ctx context.Context) (<-chan models.GeoLocation, error)
}
type SensorSource interface {
	Subscribe(ctx context.Context, kind models.SensorKind, hz float64) (<-chan models.SensorPoint, error)
}
type PressureSample struct {
	Timestamp int64
	Value     float64
}
type PressureSource interface {
	Subscribe(ctx context.Context) (<-chan PressureSample, error)
}

type Sources struct {
	Location LocationSource
	Sensors  SensorSource
	Pressure PressureSource
}

// strategyAdapter bridges strategies.Composed (which speaks the package's
// own strategies.SpaceWarningHandle) to pipeline.Strategies (which speaks
// pipeline.SpaceWarningHandle): both are structurally the same one-method
// interface, but Go requires the declared parameter type to line up
// exactly for interface satisfaction, so a thin adapter closes the gap.
type strategyAdapter struct{ c *strategies.Composed }

func (a strategyAdapter) DistanceMeters(prev, next models.GeoLocation) float64 {
	return a.c.DistanceMeters(prev, next)
}
func (a strategyAdapter) AcceptForDistance(loc models.GeoLocation) bool {
	return a.c.AcceptForDistance(loc)
}
func (a strategyAdapter) HandleSpaceWarning(w pipeline.SpaceWarningHandle) {
	a.c.HandleSpaceWarning(w)
}

// command is the Worker's IPC surface (spec §4.2 "Accepts messages"). One
// handler goroutine drains cmds so attach/detach/stop never race the
// sensor-ingest goroutines.
type command interface {
	execute(w *Worker)
}

type cmdRegisterClient struct{ done chan<- struct{} }
type cmdUnregisterClient struct{ done chan<- struct{} }
type cmdStopSelf struct{ done chan<- struct{} }

func (c cmdRegisterClient) execute(w *Worker)   { w.attached.Store(true); close(c.done) }
func (c cmdUnregisterClient) execute(w *Worker) { w.attached.Store(false); close(c.done) }
func (c cmdStopSelf) execute(w *Worker) {
	// Source-ingest goroutines must stop feeding the pipeline's queues
	// before the pipeline itself is torn down, not after: Pipeline.Stop
	// cancels the pipeline context but a still-running source goroutine
	// racing the teardown would otherwise keep calling IngestLocation/
	// IngestSensorPoint/IngestPressureSample after the pipeline believes
	// itself stopped.
	w.stopSources()
	w.pipeline.Stop()
	close(c.done)
}

// stopSources cancels the source-ingest goroutines and waits for them to
// exit. Idempotent: safe to call once from the self-stop path (low disk)
// and again from an explicit StopSelf.
func (w *Worker) stopSources() {
	w.stopSourcesOnce.Do(func() {
		w.sourceCancel()
		w.sourceWg.Wait()
	})
}

// Worker is one measurement's running capture pipeline plus its source
// subscriptions and control-plane command loop.
type Worker struct {
	MeasurementID int64

	pipeline *pipeline.Pipeline
	liveness *liveness.Channel
	bus      events.Bus

	attached atomic.Bool

	cmds chan command

	sourceCtx       context.Context
	sourceCancel    context.CancelFunc
	sourceWg        sync.WaitGroup
	stopSourcesOnce sync.Once
	stopSelfOnce    sync.Once

	onSelfStop   func(measurementID int64)
	onErrorState func(measurementID int64, err error)

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// New constructs and immediately starts a Worker: it subscribes to the
// configured sources, launches the pipeline, and starts the command and
// liveness-response loops (spec §4.2 step 1 "On launch, resolve the
// measurement id ... subscribe to GNSS, sensor streams, barometric
// pressure"). onSelfStop is invoked (if non-nil) when the pipeline stops
// itself, e.g. on the low-disk guard (spec §4.2 step 7) or a terminal write
// failure; it lets the Controller finish the measurement the way an explicit
// Stop would. onErrorState is invoked (if non-nil) for asynchronous errors
// the Worker surfaces: terminal persistence failures and source subscription
// failures (spec §7 "delivers asynchronous errors via the listener's
// onErrorState").
func New(measurementID int64, pc *pipeline.PipelineConfig, strat *strategies.Composed, bus events.Bus, livenessBuf int, sources Sources, onSelfStop func(measurementID int64), onErrorState func(measurementID int64, err error)) *Worker {
	pc.Strategies = strategyAdapter{c: strat}
	sourceCtx, sourceCancel := context.WithCancel(context.Background())
	loopCtx, loopCancel := context.WithCancel(context.Background())

	w := &Worker{
		MeasurementID: measurementID,
		liveness:      liveness.NewChannel(livenessBuf),
		bus:           bus,
		cmds:          make(chan command, 8),
		sourceCtx:     sourceCtx,
		sourceCancel:  sourceCancel,
		onSelfStop:    onSelfStop,
		onErrorState:  onErrorState,
		loopCtx:       loopCtx,
		loopCancel:    loopCancel,
	}
	w.attached.Store(true)
	pc.Events = w
	w.pipeline = pipeline.NewPipeline(measurementID, pc)

	w.subscribeLocation(sources.Location)
	if strat.SensorMode == strategies.SensorCaptureEnabled {
		w.subscribeSensor(sources.Sensors, models.SensorAcceleration, strat.SensorHz)
		w.subscribeSensor(sources.Sensors, models.SensorRotation, strat.SensorHz)
		w.subscribeSensor(sources.Sensors, models.SensorDirection, strat.SensorHz)
	}
	w.subscribePressure(sources.Pressure)

	go liveness.Respond(loopCtx, w.liveness)
	go w.commandLoop()
	return w
}

// Liveness exposes the probe channel the Controller issues isRunning
// requests through (spec §4.5).
func (w *Worker) Liveness() *liveness.Channel { return w.liveness }

// RegisterClient re-attaches the control channel after a reconnect (spec
// §4.1 "On reconnect ... re-subscribes to its event stream").
func (w *Worker) RegisterClient(ctx context.Context) {
	done := make(chan struct{})
	select {
	case w.cmds <- cmdRegisterClient{done: done}:
		<-done
	case <-ctx.Done():
	}
}

// UnregisterClient detaches the control channel on disconnect; the Worker
// keeps capturing and persisting regardless (spec §4.1 "the Worker
// continues").
func (w *Worker) UnregisterClient(ctx context.Context) {
	done := make(chan struct{})
	select {
	case w.cmds <- cmdUnregisterClient{done: done}:
		<-done
	case <-ctx.Done():
	}
}

// StopSelf tears down source subscriptions, then stops the pipeline, and
// blocks until both have fully exited. Samples the pipeline has not yet
// written are discarded (see pipeline.Pipeline.Stop).
// Idempotent: a second call returns immediately instead of sending to a
// command loop that has already exited.
func (w *Worker) StopSelf() {
	w.stopSelfOnce.Do(func() {
		done := make(chan struct{})
		select {
		case w.cmds <- cmdStopSelf{done: done}:
			<-done
		case <-w.loopCtx.Done():
		}
		w.loopCancel()
	})
}

func (w *Worker) commandLoop() {
	for {
		select {
		case cmd := <-w.cmds:
			cmd.execute(w)
		case <-w.loopCtx.Done():
			return
		}
	}
}

// subscribeFailed surfaces a source subscription failure instead of letting
// the Worker run silently without that stream (spec §4.2 "Emits messages":
// a permission error becomes MissingPermission, anything else ErrorState).
func (w *Worker) subscribeFailed(source string, err error) {
	typ := "error_state"
	if errors.Is(err, models.MissingPermission) {
		typ = "missing_permission"
	}
	w.publish(events.Event{
		Category: events.CategoryError,
		Type:     typ,
		Severity: "error",
		Fields:   map[string]any{"measurement_id": w.MeasurementID, "source": source, "error": err.Error()},
	})
	if w.onErrorState != nil {
		w.onErrorState(w.MeasurementID, err)
	}
}

func (w *Worker) subscribeLocation(src LocationSource) {
	if src == nil {
		return
	}
	ch, err := src.Subscribe(w.sourceCtx)
	if err != nil {
		w.subscribeFailed("gnss", err)
		return
	}
	w.sourceWg.Add(1)
	go func() {
		defer w.sourceWg.Done()
		for {
			select {
			case loc, ok := <-ch:
				if !ok {
					return
				}
				w.pipeline.IngestLocation(loc)
			case <-w.sourceCtx.Done():
				return
			}
		}
	}()
}

func (w *Worker) subscribeSensor(src SensorSource, kind models.SensorKind, hz float64) {
	if src == nil {
		return
	}
	ch, err := src.Subscribe(w.sourceCtx, kind, hz)
	if err != nil {
		w.subscribeFailed("sensor:"+string(kind), err)
		return
	}
	w.sourceWg.Add(1)
	go func() {
		defer w.sourceWg.Done()
		for {
			select {
			case pt, ok := <-ch:
				if !ok {
					return
				}
				pt.Kind = kind
				w.pipeline.IngestSensorPoint(pt)
			case <-w.sourceCtx.Done():
				return
			}
		}
	}()
}

func (w *Worker) subscribePressure(src PressureSource) {
	if src == nil {
		return
	}
	ch, err := src.Subscribe(w.sourceCtx)
	if err != nil {
		w.subscribeFailed("pressure", err)
		return
	}
	w.sourceWg.Add(1)
	go func() {
		defer w.sourceWg.Done()
		for {
			select {
			case s, ok := <-ch:
				if !ok {
					return
				}
				w.pipeline.IngestPressureSample(s.Timestamp, s.Value)
			case <-w.sourceCtx.Done():
				return
			}
		}
	}()
}

// --- pipeline.EventSink -----------------------------------------------

func (w *Worker) publish(ev events.Event) {
	if !w.attached.Load() {
		return
	}
	_ = w.bus.Publish(ev)
}

func (w *Worker) LocationCaptured(loc models.GeoLocation) {
	w.publish(events.Event{
		Category: events.CategoryLocation,
		Type:     "location_captured",
		Fields:   map[string]any{"measurement_id": w.MeasurementID, "timestamp_ms": loc.Timestamp, "lat": loc.Lat, "lon": loc.Lon},
	})
}

func (w *Worker) SensorDataCaptured(kind models.SensorKind, batch []models.SensorPoint) {
	w.publish(events.Event{
		Category: events.CategorySensor,
		Type:     "sensor_data_captured",
		Fields:   map[string]any{"measurement_id": w.MeasurementID, "kind": string(kind), "count": len(batch)},
	})
}

func (w *Worker) GnssFixAcquired() {
	w.publish(events.Event{Category: events.CategoryGnss, Type: "gnss_fix_acquired", Fields: map[string]any{"measurement_id": w.MeasurementID}})
}

func (w *Worker) GnssFixLost() {
	w.publish(events.Event{Category: events.CategoryGnss, Type: "gnss_fix_lost", Fields: map[string]any{"measurement_id": w.MeasurementID}})
}

// ErrorState surfaces a terminal pipeline error (a batch write that failed
// its retry, spec §4.2 "Failure semantics") to the event stream and to the
// Controller's onErrorState listener (spec §7).
func (w *Worker) ErrorState(stage string, err error) {
	w.publish(events.Event{
		Category: events.CategoryError,
		Type:     "error_state",
		Severity: "error",
		Fields:   map[string]any{"measurement_id": w.MeasurementID, "stage": stage, "error": err.Error()},
	})
	if w.onErrorState != nil {
		w.onErrorState(w.MeasurementID, err)
	}
}

// ServiceStoppedItself is invoked by the pipeline (spec §4.2 step 7, low-disk
// guard) from inside one of its own stage goroutines. It stops the source
// subscriptions the same way an explicit StopSelf would — before anything
// else, so no source goroutine can still be feeding the pipeline once it
// believes itself stopped — then notifies the Controller so the measurement
// can be finished the way an explicit Stop would (spec §8 scenario 6).
func (w *Worker) ServiceStoppedItself(measurementID int64) {
	w.stopSources()
	w.publish(events.Event{Category: events.CategoryLifecycle, Type: "service_stopped_itself", Fields: map[string]any{"measurement_id": measurementID}})
	if w.onSelfStop != nil {
		// Leave the command loop running: the Controller's onSelfStop
		// handler is expected to call StopSelf (the ordinary IPC path),
		// which is what actually cancels loopCtx once cmdStopSelf has
		// drained. Cancelling it here instead would race a concurrent
		// StopSelf send against a command loop that already exited.
		w.onSelfStop(measurementID)
		return
	}
	w.loopCancel()
}
