package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/99souls/waypoint/engine/liveness"
	"github.com/99souls/waypoint/engine/models"
	"github.com/99souls/waypoint/engine/strategies"
)

// fakeLocationSource streams a fixed, pre-built sequence of locations one at
// a time on demand, then blocks until the context is cancelled. Deterministic
// by construction instead of a real-time ticker, so tests never race a clock.
type fakeLocationSource struct {
	locs []models.GeoLocation
}

func (f *fakeLocationSource) Subscribe(ctx context.Context) (<-chan models.GeoLocation, error) {
	out := make(chan models.GeoLocation)
	go func() {
		defer close(out)
		for _, l := range f.locs {
			select {
			case out <- l:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

type fakeSensorSource struct{}

func (fakeSensorSource) Subscribe(ctx context.Context, kind models.SensorKind, hz float64) (<-chan models.SensorPoint, error) {
	out := make(chan models.SensorPoint)
	go func() {
		defer close(out)
		<-ctx.Done()
	}()
	return out, nil
}

type fakePressureSource struct{}

func (fakePressureSource) Subscribe(ctx context.Context) (<-chan PressureSample, error) {
	out := make(chan PressureSample)
	go func() {
		defer close(out)
		<-ctx.Done()
	}()
	return out, nil
}

type gatedPermission struct {
	mu      sync.Mutex
	granted bool
}

func (g *gatedPermission) FineLocationGranted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

func (g *gatedPermission) set(v bool) {
	g.mu.Lock()
	g.granted = v
	g.mu.Unlock()
}

func testControllerConfig(t *testing.T) Config {
	t.Helper()
	cfg := Defaults()
	cfg.PersistencePath = filepath.Join(t.TempDir(), "waypoint.db")
	cfg.MetricsEnabled = false
	return cfg
}

func testSources(locs []models.GeoLocation) Sources {
	return Sources{
		Location:   &fakeLocationSource{locs: locs},
		Sensors:    fakeSensorSource{},
		Pressure:   fakePressureSource{},
		Permission: &gatedPermission{granted: true},
	}
}

func newTestController(t *testing.T, sources Sources) *Controller {
	t.Helper()
	ctrl, err := New(testControllerConfig(t), sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func TestStartStopNoData(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	var startedID int64
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(id int64) { startedID = id }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if startedID == 0 {
		t.Fatalf("expected a non-zero measurement id")
	}

	var stoppedOK bool
	if err := ctrl.Stop(ctx, func(id int64, ok bool) { stoppedOK = ok }); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stoppedOK {
		t.Fatalf("expected stoppedSuccessfully=true for an OPEN->FINISHED stop")
	}

	m, err := ctrl.store.LoadMeasurement(ctx, startedID)
	if err != nil {
		t.Fatalf("LoadMeasurement: %v", err)
	}
	if m.Status != models.StatusFinished {
		t.Fatalf("expected FINISHED, got %s", m.Status)
	}
	if m.Distance != 0 {
		t.Fatalf("expected distance 0 with no data, got %v", m.Distance)
	}

	evs, err := ctrl.store.LoadEvents(ctx, startedID)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	want := []models.EventType{models.EventLifecycleStart, models.EventLifecycleStop}
	if len(evs) != len(want) {
		t.Fatalf("expected event sequence %v, got %d events", want, len(evs))
	}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}

	track, err := ctrl.LoadTrack(ctx, startedID)
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	for _, seg := range track.Segments {
		if len(seg) != 0 {
			t.Fatalf("expected an empty track, got a segment with %d locations", len(seg))
		}
	}
}

func TestStartIsIdempotentWhileOpen(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	var firstID int64
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(id int64) { firstID = id }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	secondCalled := false
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(int64) { secondCalled = true }); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if secondCalled {
		t.Fatalf("second Start must not invoke onStarted")
	}

	all, err := ctrl.LoadMeasurements(ctx, nil)
	if err != nil {
		t.Fatalf("LoadMeasurements: %v", err)
	}
	if len(all) != 1 || all[0].ID != firstID {
		t.Fatalf("expected exactly the first measurement, got %d rows", len(all))
	}
}

func TestChangeModalityOnActiveMeasurement(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	var id int64
	if err := ctrl.Start(ctx, models.ModalityBicycle, strategies.Options{}, func(mid int64) { id = mid }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.ChangeModality(ctx, models.ModalityTrain); err != nil {
		t.Fatalf("ChangeModality: %v", err)
	}

	m, err := ctrl.store.LoadMeasurement(ctx, id)
	if err != nil {
		t.Fatalf("LoadMeasurement: %v", err)
	}
	if m.Modality != models.ModalityTrain {
		t.Fatalf("expected modality TRAIN, got %s", m.Modality)
	}

	if err := ctrl.Stop(ctx, func(int64, bool) {}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ctrl.ChangeModality(ctx, models.ModalityBus); !errors.Is(err, models.NoSuchMeasurement) {
		t.Fatalf("expected NoSuchMeasurement after stop, got %v", err)
	}
}

func TestSecondStopSurfacesError(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(int64) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(ctx, func(int64, bool) {}); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := ctrl.Stop(ctx, func(int64, bool) {})
	if err == nil {
		t.Fatalf("expected NoSuchMeasurement on the second Stop, got nil")
	}
	if !errors.Is(err, models.NoSuchMeasurement) {
		t.Fatalf("expected NoSuchMeasurement, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	var id int64
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(mid int64) { id = mid }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var pausedOK bool
	if err := ctrl.Pause(ctx, func(_ int64, ok bool) { pausedOK = ok }); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !pausedOK {
		t.Fatalf("expected stoppedSuccessfully=true on pause")
	}

	m, err := ctrl.store.LoadMeasurement(ctx, id)
	if err != nil {
		t.Fatalf("LoadMeasurement: %v", err)
	}
	if m.Status != models.StatusPaused {
		t.Fatalf("expected PAUSED after pause, got %s", m.Status)
	}

	if err := ctrl.Resume(ctx, func(int64) {}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	m, err = ctrl.store.LoadMeasurement(ctx, id)
	if err != nil {
		t.Fatalf("LoadMeasurement: %v", err)
	}
	if m.Status != models.StatusOpen {
		t.Fatalf("expected OPEN after resume, got %s", m.Status)
	}

	var stoppedOK bool
	if err := ctrl.Stop(ctx, func(_ int64, ok bool) { stoppedOK = ok }); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stoppedOK {
		t.Fatalf("expected stoppedSuccessfully=true stopping from OPEN")
	}
}

func TestStopWhilePausedReportsUnsuccessful(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()

	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(int64) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Pause(ctx, func(int64, bool) {}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	var stoppedOK bool
	if err := ctrl.Stop(ctx, func(_ int64, ok bool) { stoppedOK = ok }); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stoppedOK {
		t.Fatalf("expected stoppedSuccessfully=false stopping from PAUSED")
	}
}

func TestCrashRecoveryIsTransparent(t *testing.T) {
	cfg := testControllerConfig(t)
	sources := testSources(nil)

	ctrl1, err := New(cfg, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var danglingID int64
	if err := ctrl1.Start(context.Background(), models.ModalityWalking, strategies.Options{}, func(id int64) { danglingID = id }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Simulate a crash: close the store directly without running Stop, so the
	// measurement is left OPEN on disk.
	ctrl1.stateMu.Lock()
	active := ctrl1.active
	ctrl1.active = nil
	ctrl1.stateMu.Unlock()
	if active != nil && active.worker != nil {
		active.worker.StopSelf()
	}
	_ = ctrl1.store.Close()

	ctrl2, err := New(cfg, sources)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer func() { _ = ctrl2.Close() }()

	var newID int64
	if err := ctrl2.Start(context.Background(), models.ModalityWalking, strategies.Options{}, func(id int64) { newID = id }); err != nil {
		t.Fatalf("Start after crash: %v", err)
	}
	if newID == danglingID {
		t.Fatalf("expected a fresh measurement id, got the dangling one back")
	}

	m, err := ctrl2.store.LoadMeasurement(context.Background(), danglingID)
	if err != nil {
		t.Fatalf("LoadMeasurement(dangling): %v", err)
	}
	if m.Status != models.StatusFinished {
		t.Fatalf("expected the dangling measurement force-finished, got %s", m.Status)
	}
}

func TestIsRunningWithNoActiveWorker(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	outcome := ctrl.IsRunning(context.Background(), 50*time.Millisecond)
	if outcome != liveness.TimedOut {
		t.Fatalf("expected TimedOut with no active measurement, got %s", outcome)
	}
}

func TestIsRunningWhileActive(t *testing.T) {
	ctrl := newTestController(t, testSources(nil))
	ctx := context.Background()
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(int64) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	outcome := ctrl.IsRunning(ctx, 2*time.Second)
	if outcome != liveness.Running {
		t.Fatalf("expected Running while a Worker is active, got %s", outcome)
	}
}

func TestStartRequiresPermission(t *testing.T) {
	perm := &gatedPermission{granted: false}
	sources := testSources(nil)
	sources.Permission = perm
	ctrl := newTestController(t, sources)

	err := ctrl.Start(context.Background(), models.ModalityWalking, strategies.Options{}, func(int64) {})
	if err == nil {
		t.Fatalf("expected MissingPermission error, got nil")
	}
	var lifecycleErr *models.LifecycleError
	if !errors.As(err, &lifecycleErr) || !errors.Is(lifecycleErr.Kind, models.MissingPermission) {
		t.Fatalf("expected MissingPermission, got %v", err)
	}
}

func TestDistanceAccumulation(t *testing.T) {
	locs := []models.GeoLocation{
		{Timestamp: 1, Lat: 51.5007, Lon: -0.1246, Valid: true},
		{Timestamp: 2, Lat: 51.5017, Lon: -0.1246, Valid: true},
	}
	ctrl := newTestController(t, testSources(locs))
	ctx := context.Background()

	var id int64
	if err := ctrl.Start(ctx, models.ModalityWalking, strategies.Options{}, func(mid int64) { id = mid }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var m models.Measurement
	for time.Now().Before(deadline) {
		var err error
		m, err = ctrl.store.LoadMeasurement(ctx, id)
		if err != nil {
			t.Fatalf("LoadMeasurement: %v", err)
		}
		if m.Distance > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if m.Distance <= 0 {
		t.Fatalf("expected accumulated distance > 0, got %v", m.Distance)
	}

	if err := ctrl.Stop(ctx, func(int64, bool) {}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type erroringLocationSource struct{}

func (erroringLocationSource) Subscribe(context.Context) (<-chan models.GeoLocation, error) {
	return nil, models.NewLifecycleError("subscribe", models.MissingPermission, nil)
}

func TestOnErrorStateReceivesWorkerErrors(t *testing.T) {
	sources := testSources(nil)
	sources.Location = erroringLocationSource{}
	ctrl := newTestController(t, sources)

	var mu sync.Mutex
	var got error
	ctrl.OnErrorState(func(_ int64, err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})

	if err := ctrl.Start(context.Background(), models.ModalityWalking, strategies.Options{}, func(int64) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	err := got
	mu.Unlock()
	if !errors.Is(err, models.MissingPermission) {
		t.Fatalf("expected MissingPermission via OnErrorState, got %v", err)
	}

	if err := ctrl.Stop(context.Background(), func(int64, bool) {}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestLowDiskSelfStop drives spec §8 scenario 6: with handleSpaceWarning
// configured to stop and free space simulated below the threshold, the
// Worker should stop itself, and the Controller should observe it and
// finish the measurement with stoppedSuccessfully=false.
func TestLowDiskSelfStop(t *testing.T) {
	locs := []models.GeoLocation{
		{Timestamp: 1, Lat: 51.5007, Lon: -0.1246, Valid: true},
		{Timestamp: 2, Lat: 51.5017, Lon: -0.1246, Valid: true},
	}
	cfg := testControllerConfig(t)
	cfg.diskFreeOverride = func() (int64, error) { return 1, nil }
	ctrl, err := New(cfg, testSources(locs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	ctx := context.Background()

	// Subscribe before Start: the self-stop can fire while Start is still
	// waiting on the Worker's liveness probe.
	sub, err := ctrl.Subscribe(8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var id int64
	opts := strategies.Options{SpaceWarning: strategies.StopOnSpaceWarning}
	if err := ctrl.Start(ctx, models.ModalityWalking, opts, func(mid int64) { id = mid }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var sawSelfStop, sawFinishedSignal bool
	for !sawSelfStop || !sawFinishedSignal {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case "service_stopped_itself":
				sawSelfStop = true
			case "service_stopped":
				if ok, _ := ev.Fields["stopped_successfully"].(bool); !ok {
					sawFinishedSignal = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for self-stop signals (selfStop=%v finished=%v)", sawSelfStop, sawFinishedSignal)
		}
	}

	deadline = time.After(2 * time.Second)
	for {
		m, err := ctrl.store.LoadMeasurement(ctx, id)
		if err != nil {
			t.Fatalf("LoadMeasurement: %v", err)
		}
		if m.Status == models.StatusFinished {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("measurement never reached FINISHED after self-stop, status=%s", m.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestHotReloadSnapshotsVersionHistory drives SPEC_FULL.md "[AMBIENT]
// Configuration": each applied hot-reload file edit is snapshotted by the
// Controller's ConfigVersionManager and retrievable through
// Controller.ConfigVersionHistory.
func TestHotReloadSnapshotsVersionHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "capture.yaml")
	writeTuning := func(batchSize int) {
		body := fmt.Sprintf("tuning:\n  sensor_batch_size: %d\n  write_batch_cap: 100\n", batchSize)
		if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	writeTuning(10)

	cfg := testControllerConfig(t)
	cfg.HotReloadConfigPath = cfgPath
	ctrl, err := New(cfg, testSources(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	writeTuning(20)

	deadline := time.After(5 * time.Second)
	for {
		versions, err := ctrl.ConfigVersionHistory()
		if err != nil {
			t.Fatalf("ConfigVersionHistory: %v", err)
		}
		for _, v := range versions {
			if v.Config != nil && v.Config.Tuning.SensorBatchSize == 20 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for hot-reload version snapshot, got %d versions", len(versions))
		case <-time.After(20 * time.Millisecond):
		}
	}
}
