package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	engresources "github.com/99souls/waypoint/engine/internal/resources"
	"github.com/99souls/waypoint/engine/models"
)

type fakePersister struct {
	mu            sync.Mutex
	locations     []models.GeoLocation
	pressures     []models.Pressure
	sensors       map[models.SensorKind]int
	distance      float64
	locationFails int // fail this many AppendLocations calls before succeeding
	locationCalls int
}

func (f *fakePersister) AppendLocations(_ context.Context, _ int64, batch []models.GeoLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationCalls++
	if f.locationFails > 0 {
		f.locationFails--
		return errors.New("disk hiccup")
	}
	f.locations = append(f.locations, batch...)
	return nil
}

func (f *fakePersister) AppendSensorPoints(_ context.Context, _ int64, kind models.SensorKind, batch []models.SensorPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sensors == nil {
		f.sensors = make(map[models.SensorKind]int)
	}
	f.sensors[kind] += len(batch)
	return nil
}

func (f *fakePersister) AppendPressures(_ context.Context, _ int64, batch []models.Pressure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressures = append(f.pressures, batch...)
	return nil
}

func (f *fakePersister) UpdateDistance(_ context.Context, _ int64, meters float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distance += meters
	return nil
}

func (f *fakePersister) snapshot() (locs int, calls int, dist float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations), f.locationCalls, f.distance
}

type recordingSink struct {
	mu          sync.Mutex
	errorStages []string
	selfStopped bool
}

func (r *recordingSink) LocationCaptured(models.GeoLocation)                        {}
func (r *recordingSink) SensorDataCaptured(models.SensorKind, []models.SensorPoint) {}
func (r *recordingSink) GnssFixAcquired()                                           {}
func (r *recordingSink) GnssFixLost()                                               {}

func (r *recordingSink) ErrorState(stage string, _ error) {
	r.mu.Lock()
	r.errorStages = append(r.errorStages, stage)
	r.mu.Unlock()
}

func (r *recordingSink) ServiceStoppedItself(int64) {
	r.mu.Lock()
	r.selfStopped = true
	r.mu.Unlock()
}

func (r *recordingSink) state() (stages []string, stopped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errorStages...), r.selfStopped
}

type acceptAllStrategy struct{}

func (acceptAllStrategy) DistanceMeters(prev, next models.GeoLocation) float64 {
	// 1 degree of latitude ~ 111 km; good enough for assertions here.
	d := (next.Lat - prev.Lat) * 111000
	if d < 0 {
		return -d
	}
	return d
}
func (acceptAllStrategy) AcceptForDistance(models.GeoLocation) bool { return true }
func (acceptAllStrategy) HandleSpaceWarning(SpaceWarningHandle)     {}

func newTestPipeline(t *testing.T, p Persister) *Pipeline {
	t.Helper()
	cfg := &PipelineConfig{
		BufferSize:     16,
		RetryBaseDelay: time.Millisecond,
		PressureWindow: 20 * time.Millisecond,
		Persister:      p,
		Strategies:     acceptAllStrategy{},
	}
	pl := NewPipeline(1, cfg)
	t.Cleanup(pl.Stop)
	return pl
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAveragePressureMeanValueMedianTimestamp(t *testing.T) {
	avg := averagePressure([]rawPressure{
		{timestamp: 1000, value: 1000.0},
		{timestamp: 2000, value: 1010.0},
		{timestamp: 3000, value: 990.0},
	})
	if avg.Value != 1000.0 {
		t.Fatalf("expected mean 1000.0, got %v", avg.Value)
	}
	if avg.Timestamp != 2000 {
		t.Fatalf("expected median timestamp 2000, got %d", avg.Timestamp)
	}
}

func TestLocationIngestAccumulatesDistance(t *testing.T) {
	fp := &fakePersister{}
	pl := newTestPipeline(t, fp)

	pl.IngestLocation(models.GeoLocation{Timestamp: 1, Lat: 50.000, Lon: 7.0, Valid: true})
	pl.IngestLocation(models.GeoLocation{Timestamp: 2, Lat: 50.001, Lon: 7.0, Valid: true})

	waitFor(t, func() bool { n, _, _ := fp.snapshot(); return n == 2 }, "two persisted locations")
	waitFor(t, func() bool { _, _, d := fp.snapshot(); return d > 110 && d < 112 }, "accumulated distance ~111m")
}

func TestRangeViolatingLocationDroppedSilently(t *testing.T) {
	fp := &fakePersister{}
	pl := newTestPipeline(t, fp)

	pl.IngestLocation(models.GeoLocation{Timestamp: 1, Lat: 91.0, Lon: 0, Valid: true})
	pl.IngestLocation(models.GeoLocation{Timestamp: 2, Lat: 1.0, Lon: 0, Valid: true})

	waitFor(t, func() bool { n, _, _ := fp.snapshot(); return n == 1 }, "only the in-range location persisted")
	if m := pl.Metrics(); m.StageMetrics["gnss"].Dropped != 1 {
		t.Fatalf("expected one dropped gnss sample, got %+v", m.StageMetrics["gnss"])
	}
}

func TestBatchWriteRetriedOnceThenSucceeds(t *testing.T) {
	fp := &fakePersister{locationFails: 1}
	pl := newTestPipeline(t, fp)

	pl.IngestLocation(models.GeoLocation{Timestamp: 1, Lat: 1.0, Lon: 1.0, Valid: true})

	waitFor(t, func() bool { n, _, _ := fp.snapshot(); return n == 1 }, "location persisted on retry")
	if _, calls, _ := fp.snapshot(); calls != 2 {
		t.Fatalf("expected exactly 2 write attempts, got %d", calls)
	}
}

func TestSecondWriteFailureSurfacesErrorStateAndStops(t *testing.T) {
	fp := &fakePersister{locationFails: 2}
	sink := &recordingSink{}
	cfg := &PipelineConfig{
		BufferSize:     16,
		RetryBaseDelay: time.Millisecond,
		Persister:      fp,
		Strategies:     acceptAllStrategy{},
		Events:         sink,
	}
	pl := NewPipeline(1, cfg)
	t.Cleanup(pl.Stop)

	pl.IngestLocation(models.GeoLocation{Timestamp: 1, Lat: 1.0, Lon: 1.0, Valid: true})

	waitFor(t, func() bool {
		stages, stopped := sink.state()
		return len(stages) == 1 && stopped
	}, "ErrorState and self-stop after the failed retry")

	stages, _ := sink.state()
	if stages[0] != "gnss" {
		t.Fatalf("expected the gnss stage in ErrorState, got %q", stages[0])
	}
	if !pl.stopped.Load() {
		t.Fatalf("expected the pipeline stopped after a terminal write failure")
	}
	if n, calls, _ := fp.snapshot(); n != 0 || calls != 2 {
		t.Fatalf("expected the batch abandoned after exactly two attempts, got %d locations in %d calls", n, calls)
	}
	if m := pl.Metrics(); m.StageMetrics["gnss"].Failed != 1 {
		t.Fatalf("expected one failed gnss write, got %+v", m.StageMetrics["gnss"])
	}
}

func TestFailedBatchRetainedInResourceManager(t *testing.T) {
	rm, err := engresources.NewManager(engresources.Config{CacheCapacity: 4, MaxInFlight: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = rm.Close() })

	fp := &fakePersister{locationFails: 1}
	cfg := &PipelineConfig{
		BufferSize:      16,
		RetryBaseDelay:  time.Millisecond,
		Persister:       fp,
		Strategies:      acceptAllStrategy{},
		ResourceManager: rm,
	}
	pl := NewPipeline(1, cfg)
	t.Cleanup(pl.Stop)

	pl.IngestLocation(models.GeoLocation{Timestamp: 1, Lat: 1.0, Lon: 1.0, Valid: true})

	waitFor(t, func() bool { n, _, _ := fp.snapshot(); return n == 1 }, "location persisted on retry")

	// The batch that failed its first attempt was retained across the retry
	// window under the measurement:stage key.
	payload, ok, err := rm.LoadBatch("1:gnss")
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}
	if !ok || len(payload) == 0 {
		t.Fatalf("expected the failed batch retained in the resource manager")
	}
}

func TestPressureWindowFlushesAveragedRow(t *testing.T) {
	fp := &fakePersister{}
	pl := newTestPipeline(t, fp)

	pl.IngestPressureSample(1000, 1013.0)
	pl.IngestPressureSample(1100, 1015.0)

	waitFor(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return len(fp.pressures) == 1
	}, "one averaged pressure row")

	fp.mu.Lock()
	got := fp.pressures[0]
	fp.mu.Unlock()
	if got.Value != 1014.0 {
		t.Fatalf("expected averaged value 1014.0, got %v", got.Value)
	}
}

func TestOutOfRangePressureWindowDropped(t *testing.T) {
	fp := &fakePersister{}
	pl := newTestPipeline(t, fp)

	pl.IngestPressureSample(1000, 100.0) // far below 250 hPa

	waitFor(t, func() bool {
		m := pl.Metrics()
		return m.StageMetrics["pressure"].Dropped == 1
	}, "out-of-range pressure window dropped")

	fp.mu.Lock()
	n := len(fp.pressures)
	fp.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no pressure rows persisted, got %d", n)
	}
}

func TestSensorBatchFlushedBySizeThreshold(t *testing.T) {
	fp := &fakePersister{}
	cfg := &PipelineConfig{
		BufferSize:        16,
		SensorBatchSize:   3,
		SensorBatchWindow: time.Hour, // size threshold must trigger, not the timer
		Persister:         fp,
		Strategies:        acceptAllStrategy{},
	}
	pl := NewPipeline(1, cfg)
	t.Cleanup(pl.Stop)

	for i := 0; i < 3; i++ {
		pl.IngestSensorPoint(models.SensorPoint{Timestamp: int64(i), Kind: models.SensorAcceleration})
	}

	waitFor(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return fp.sensors[models.SensorAcceleration] == 3
	}, "sensor batch flushed at size threshold")
}
