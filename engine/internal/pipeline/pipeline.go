package pipeline

// Internalized from root internal/pipeline (teacher's multi-stage worker-pool
// skeleton), regrown around the Worker capture pipeline of spec §4.2: GNSS
// ingest, 3-axis sensor batch ingest, and 1 Hz pressure averaging, each
// feeding a bounded, batched persistence write.

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	engresources "github.com/99souls/waypoint/engine/internal/resources"
	"github.com/99souls/waypoint/engine/models"
)

// Persister is the subset of the persistence contract (spec §4.3) the
// pipeline writes through. Batches are retried once on failure; a second
// failure surfaces PersistenceFailure and stops the owning measurement.
type Persister interface {
	AppendLocations(ctx context.Context, measurementID int64, batch []models.GeoLocation) error
	AppendSensorPoints(ctx context.Context, measurementID int64, kind models.SensorKind, batch []models.SensorPoint) error
	AppendPressures(ctx context.Context, measurementID int64, batch []models.Pressure) error
	UpdateDistance(ctx context.Context, measurementID int64, meters float64) error
}

// Strategies is the narrow, serializable policy surface of spec §4.4 that
// the pipeline consults on every GNSS fix and before every batch write.
type Strategies interface {
	DistanceMeters(prev, next models.GeoLocation) float64
	AcceptForDistance(loc models.GeoLocation) bool
	HandleSpaceWarning(w SpaceWarningHandle)
}

// SpaceWarningHandle lets a space-warning strategy request the Worker stop
// itself (spec §4.2 step 7).
type SpaceWarningHandle interface {
	StopSelf()
}

// DiskChecker reports free bytes on the persistence volume; swappable for tests.
type DiskChecker func() (freeBytes int64, err error)

// EventSink is the Worker's outbound message surface toward the Controller
// (spec §4.2 "Emits messages").
type EventSink interface {
	LocationCaptured(loc models.GeoLocation)
	SensorDataCaptured(kind models.SensorKind, batch []models.SensorPoint)
	GnssFixAcquired()
	GnssFixLost()
	ErrorState(stage string, err error)
	ServiceStoppedItself(measurementID int64)
}

// PipelineConfig configures worker counts, batching caps, and the
// collaborators the pipeline writes through.
type PipelineConfig struct {
	GnssWorkers     int `yaml:"gnss_workers" json:"gnss_workers"`
	SensorWorkers   int `yaml:"sensor_workers" json:"sensor_workers"`
	PressureWorkers int `yaml:"pressure_workers" json:"pressure_workers"`
	BufferSize      int `yaml:"buffer_size" json:"buffer_size"`

	SensorBatchSize   int           `yaml:"sensor_batch_size" json:"sensor_batch_size"`
	SensorBatchWindow time.Duration `yaml:"sensor_batch_window" json:"sensor_batch_window"`
	PressureWindow    time.Duration `yaml:"pressure_window" json:"pressure_window"`
	WriteBatchCap     int           `yaml:"write_batch_cap" json:"write_batch_cap"`
	LowDiskThreshold  int64         `yaml:"low_disk_threshold_bytes" json:"low_disk_threshold_bytes"`

	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" json:"retry_max_attempts"`

	ResourceManager *engresources.Manager `yaml:"-" json:"-"`
	Persister       Persister             `yaml:"-" json:"-"`
	Strategies      Strategies            `yaml:"-" json:"-"`
	Events          EventSink             `yaml:"-" json:"-"`
	DiskFree        DiskChecker           `yaml:"-" json:"-"`
}

type StageStatus struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Active  bool   `json:"active"`
	Queue   int    `json:"queue"`
}
type StageMetrics struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	AvgTime   time.Duration `json:"avg_time"`
}
type PipelineMetrics struct {
	TotalProcessed int                     `json:"total_processed"`
	TotalFailed    int                     `json:"total_failed"`
	StartTime      time.Time               `json:"start_time"`
	Duration       time.Duration           `json:"duration"`
	StageMetrics   map[string]StageMetrics `json:"stage_metrics"`
}

// Pipeline is the Worker's capture pipeline for one measurement.
type Pipeline struct {
	config *PipelineConfig

	measurementID int64

	locationQueue chan models.GeoLocation
	sensorQueue   chan models.SensorPoint
	pressureQueue chan rawPressure

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex       sync.RWMutex
	metrics     *PipelineMetrics
	stageStatus map[string]*StageStatus

	lastAccepted   *models.GeoLocation
	lastAcceptedMu sync.Mutex

	fixMu     sync.Mutex
	hasFix    bool
	lastFixAt time.Time

	stopOnce   sync.Once
	stopped    atomic.Bool
	noticeOnce sync.Once

	randMu sync.Mutex
	rand   *rand.Rand
}

type rawPressure struct {
	timestamp int64
	value     float64
}

// StopSelf implements SpaceWarningHandle; it cancels the pipeline context so
// every stage's select loop converges on its ctx.Done() arm. Safe to call
// from within a stage goroutine (as the low-disk guard does): it never waits
// on p.wg itself and never closes the ingest queues — a producer (the
// Worker's source-ingest goroutines, torn down separately via their own
// context) could otherwise still be sending on a queue this call closes,
// which would panic. Any sample still in flight when a stage observes
// ctx.Done() is simply left unconsumed; the pipeline is shutting down.
func (p *Pipeline) StopSelf() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()
	})
}

func NewPipeline(measurementID int64, config *PipelineConfig) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 200 * time.Millisecond
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Second
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = 1
	}
	if config.SensorBatchSize <= 0 {
		config.SensorBatchSize = 50
	}
	if config.SensorBatchWindow <= 0 {
		config.SensorBatchWindow = 2 * time.Second
	}
	if config.PressureWindow <= 0 {
		config.PressureWindow = 1 * time.Second
	}
	if config.WriteBatchCap <= 0 {
		config.WriteBatchCap = 500
	}
	if config.LowDiskThreshold <= 0 {
		config.LowDiskThreshold = 100 * 1024 * 1024
	}
	randGen := rand.New(rand.NewSource(time.Now().UnixNano()))
	p := &Pipeline{
		config:        config,
		measurementID: measurementID,
		ctx:           ctx,
		cancel:        cancel,
		locationQueue: make(chan models.GeoLocation, config.BufferSize),
		sensorQueue:   make(chan models.SensorPoint, config.BufferSize),
		pressureQueue: make(chan rawPressure, config.BufferSize),
		metrics:       &PipelineMetrics{StartTime: time.Now(), StageMetrics: make(map[string]StageMetrics)},
		stageStatus:   make(map[string]*StageStatus),
		rand:          randGen,
	}
	p.initStageStatus()
	p.startStages()
	return p
}

func (p *Pipeline) Config() *PipelineConfig { return p.config }

func (p *Pipeline) StageStatus(stageName string) *StageStatus {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if s, ok := p.stageStatus[stageName]; ok {
		return s
	}
	return &StageStatus{Name: stageName, Active: false}
}

// IngestLocation submits one GNSS fix (spec §4.2 step 2). Blocks until the
// fix is queued, so a full queue never drops a location; returns false
// without queuing once the pipeline has stopped. Range-violating fixes are
// dropped later, by the gnss stage (handleLocation).
func (p *Pipeline) IngestLocation(loc models.GeoLocation) bool {
	select {
	case p.locationQueue <- loc:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// IngestSensorPoint submits one 3-axis sample (spec §4.2 step 3). Under
// write-queue pressure sensor points are the ones silently dropped (spec §9
// open question (d)), never locations or events.
func (p *Pipeline) IngestSensorPoint(pt models.SensorPoint) {
	select {
	case p.sensorQueue <- pt:
	default:
		p.updateStageMetrics("sensor", false, true)
	}
}

// IngestPressureSample submits one raw barometer reading for 1 Hz averaging
// (spec §4.2 step 4).
func (p *Pipeline) IngestPressureSample(timestamp int64, value float64) {
	select {
	case p.pressureQueue <- rawPressure{timestamp: timestamp, value: value}:
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) Metrics() *PipelineMetrics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	cp := *p.metrics
	cp.Duration = time.Since(cp.StartTime)
	return &cp
}

// Stop cancels the pipeline and blocks until every stage has exited. It
// does not flush: sensor points still batched and pressure samples of an
// unfinished window are discarded, because once StopSelf has marked the
// pipeline stopped, checkLowDisk makes every final flush return without
// writing. Idempotent and safe to call after a prior self-stop (e.g. low
// disk): the sync.Once in StopSelf cancels only once, and the ingest queues
// are never closed.
func (p *Pipeline) Stop() {
	p.StopSelf()
	p.wg.Wait()
	p.mutex.Lock()
	for _, st := range p.stageStatus {
		st.Active = false
	}
	p.mutex.Unlock()
}

func (p *Pipeline) startStages() {
	for i := 0; i < max1(p.config.GnssWorkers); i++ {
		p.wg.Add(1)
		go p.gnssWorker()
	}
	for i := 0; i < max1(p.config.SensorWorkers); i++ {
		p.wg.Add(1)
		go p.sensorWorker()
	}
	for i := 0; i < max1(p.config.PressureWorkers); i++ {
		p.wg.Add(1)
		go p.pressureWorker()
	}
	if p.config.GnssFixWatchEnabled() {
		p.wg.Add(1)
		go p.fixWatcher()
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// GnssFixWatchEnabled is true whenever fix-loss detection is meaningful,
// i.e. whenever an EventSink is wired to report it.
func (c *PipelineConfig) GnssFixWatchEnabled() bool { return c.Events != nil }

func (p *Pipeline) gnssWorker() {
	defer p.wg.Done()
	for {
		select {
		case loc, ok := <-p.locationQueue:
			if !ok {
				return
			}
			p.handleLocation(loc)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleLocation(loc models.GeoLocation) {
	if err := loc.Validate(); err != nil {
		p.updateStageMetrics("gnss", false, true)
		return
	}
	p.markFix()
	accepted := true
	if p.config.Strategies != nil {
		accepted = p.config.Strategies.AcceptForDistance(loc)
	}
	loc.Valid = accepted
	if accepted {
		p.lastAcceptedMu.Lock()
		prev := p.lastAccepted
		cp := loc
		p.lastAccepted = &cp
		p.lastAcceptedMu.Unlock()
		if prev != nil && p.config.Strategies != nil {
			meters := p.config.Strategies.DistanceMeters(*prev, loc)
			if meters > 0 {
				p.writeWithRetry("distance", nil, func() error {
					return p.config.Persister.UpdateDistance(p.ctx, p.measurementID, meters)
				})
			}
		}
	}
	if p.checkLowDisk() {
		return
	}
	batch := []models.GeoLocation{loc}
	ok := p.writeWithRetry("gnss", batch, func() error {
		return p.config.Persister.AppendLocations(p.ctx, p.measurementID, batch)
	})
	if ok {
		p.updateStageMetrics("gnss", true, false)
		if p.config.Events != nil {
			p.config.Events.LocationCaptured(loc)
		}
	}
}

func (p *Pipeline) sensorWorker() {
	defer p.wg.Done()
	batch := make(map[models.SensorKind][]models.SensorPoint)
	ticker := time.NewTicker(p.config.SensorBatchWindow)
	defer ticker.Stop()
	flush := func() {
		for kind, pts := range batch {
			if len(pts) == 0 {
				continue
			}
			p.flushSensorBatch(kind, pts)
			batch[kind] = nil
		}
	}
	for {
		select {
		case pt, ok := <-p.sensorQueue:
			if !ok {
				flush()
				return
			}
			batch[pt.Kind] = append(batch[pt.Kind], pt)
			if len(batch[pt.Kind]) >= p.config.SensorBatchSize {
				p.flushSensorBatch(pt.Kind, batch[pt.Kind])
				batch[pt.Kind] = nil
			}
		case <-ticker.C:
			flush()
		case <-p.ctx.Done():
			flush()
			return
		}
	}
}

func (p *Pipeline) flushSensorBatch(kind models.SensorKind, pts []models.SensorPoint) {
	if p.checkLowDisk() {
		return
	}
	for start := 0; start < len(pts); start += p.config.WriteBatchCap {
		end := start + p.config.WriteBatchCap
		if end > len(pts) {
			end = len(pts)
		}
		chunk := pts[start:end]
		ok := p.writeWithRetry("sensor", chunk, func() error {
			return p.config.Persister.AppendSensorPoints(p.ctx, p.measurementID, kind, chunk)
		})
		if ok {
			p.updateStageMetrics("sensor", true, false)
			if p.config.Events != nil {
				p.config.Events.SensorDataCaptured(kind, chunk)
			}
		}
	}
}

func (p *Pipeline) pressureWorker() {
	defer p.wg.Done()
	window := p.config.PressureWindow
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	var samples []rawPressure
	flush := func() {
		if len(samples) == 0 {
			return
		}
		avg := averagePressure(samples)
		samples = samples[:0]
		if err := avg.Validate(); err != nil {
			p.updateStageMetrics("pressure", false, true)
			return
		}
		if p.checkLowDisk() {
			return
		}
		rows := []models.Pressure{avg}
		ok := p.writeWithRetry("pressure", rows, func() error {
			return p.config.Persister.AppendPressures(p.ctx, p.measurementID, rows)
		})
		if ok {
			p.updateStageMetrics("pressure", true, false)
		}
	}
	for {
		select {
		case s, ok := <-p.pressureQueue:
			if !ok {
				flush()
				return
			}
			samples = append(samples, s)
		case <-ticker.C:
			flush()
		case <-p.ctx.Done():
			flush()
			return
		}
	}
}

// averagePressure reduces a 1-second window of raw samples to one Pressure
// row, using the arithmetic mean of value and the median timestamp (spec
// §4.2 step 4).
func averagePressure(samples []rawPressure) models.Pressure {
	sum := 0.0
	for _, s := range samples {
		sum += s.value
	}
	median := samples[len(samples)/2].timestamp
	return models.Pressure{Timestamp: median, Value: sum / float64(len(samples))}
}

// checkLowDisk applies the low-disk guard (spec §4.2 step 7) before a batch
// write; returns true if the pipeline has been told to stop itself.
func (p *Pipeline) checkLowDisk() bool {
	if p.stopped.Load() {
		return true
	}
	if p.config.DiskFree == nil || p.config.Strategies == nil {
		return false
	}
	free, err := p.config.DiskFree()
	if err != nil || free >= p.config.LowDiskThreshold {
		return false
	}
	p.config.Strategies.HandleSpaceWarning(p)
	if p.stopped.Load() {
		p.notifySelfStop()
		return true
	}
	return false
}

// writeWithRetry retries a batch write exactly once on failure (spec §4.2
// "Failure semantics"). Writes are bounded by the resource manager's
// in-flight semaphore; a batch that fails its first attempt is retained in
// the manager's cache across the retry window, and every persisted batch is
// checkpointed. A second failure surfaces ErrorState to listeners and the
// pipeline stops itself.
func (p *Pipeline) writeWithRetry(stage string, payload any, write func() error) bool {
	rm := p.config.ResourceManager
	if rm != nil {
		if err := rm.Acquire(p.ctx); err != nil {
			return false
		}
		defer rm.Release()
	}
	key := fmt.Sprintf("%d:%s", p.measurementID, stage)
	if err := write(); err == nil {
		if rm != nil {
			rm.Checkpoint(key)
		}
		return true
	}
	if rm != nil && payload != nil {
		if data, merr := json.Marshal(payload); merr == nil {
			_ = rm.StoreBatch(key, data)
		}
	}
	p.jitterDelay(p.config.RetryBaseDelay)
	err := write()
	if err == nil {
		if rm != nil {
			rm.Checkpoint(key)
		}
		return true
	}
	p.updateStageMetrics(stage, false, false)
	p.failWrite(stage, err)
	return false
}

// failWrite is the terminal path for a batch that failed its retry (spec
// §4.2 "Failure semantics"): the error reaches listeners as ErrorState and
// the pipeline stops itself, which the Worker reports as a self-initiated
// stop so the Controller can finish the measurement.
func (p *Pipeline) failWrite(stage string, err error) {
	if p.config.Events != nil {
		p.config.Events.ErrorState(stage, err)
	}
	p.StopSelf()
	p.notifySelfStop()
}

// notifySelfStop reports the pipeline's self-initiated stop to listeners
// exactly once, shared by the low-disk guard and the write-failure path.
func (p *Pipeline) notifySelfStop() {
	p.noticeOnce.Do(func() {
		if p.config.Events != nil {
			p.config.Events.ServiceStoppedItself(p.measurementID)
		}
	})
}

func (p *Pipeline) jitterDelay(base time.Duration) {
	if base <= 0 {
		return
	}
	p.randMu.Lock()
	d := time.Duration(p.rand.Float64() * float64(base))
	p.randMu.Unlock()
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

// markFix records a GNSS fix and, edge-triggered, emits GnssFixAcquired on
// the first one seen (spec §4.2 step 5).
func (p *Pipeline) markFix() {
	p.fixMu.Lock()
	defer p.fixMu.Unlock()
	wasNone := !p.hasFix
	p.hasFix = true
	p.lastFixAt = time.Now()
	if wasNone && p.config.Events != nil {
		p.config.Events.GnssFixAcquired()
	}
}

// fixWatcher emits GnssFixLost, edge-triggered, once the inactivity window
// elapses (spec §4.2 step 5, §9 open question (c): 11s).
func (p *Pipeline) fixWatcher() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.fixMu.Lock()
			if p.hasFix && time.Since(p.lastFixAt) > models.GnssFixLostWindow {
				p.hasFix = false
				if p.config.Events != nil {
					p.config.Events.GnssFixLost()
				}
			}
			p.fixMu.Unlock()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline) updateStageMetrics(stage string, success, dropped bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	m := p.metrics.StageMetrics[stage]
	switch {
	case dropped:
		m.Dropped++
	case success:
		m.Processed++
		p.metrics.TotalProcessed++
	default:
		m.Failed++
		p.metrics.TotalFailed++
	}
	p.metrics.StageMetrics[stage] = m
}

func (p *Pipeline) initStageStatus() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stageStatus["gnss"] = &StageStatus{Name: "gnss", Workers: max1(p.config.GnssWorkers), Active: true}
	p.stageStatus["sensor"] = &StageStatus{Name: "sensor", Workers: max1(p.config.SensorWorkers), Active: true}
	p.stageStatus["pressure"] = &StageStatus{Name: "pressure", Workers: max1(p.config.PressureWorkers), Active: true}
}
