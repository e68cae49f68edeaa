package models

// Package models holds the capture engine's data model: Measurement, the
// point entities owned by a Measurement (GeoLocation, Sensor point,
// Pressure, Event), and the derived Track view. Originally migrated from
// pkg/models when the scraper-era Page/CrawlResult types lived here; gutted
// and rebuilt for the sensor-capture domain.

import (
	"errors"
	"time"
)

// Status is a Measurement's position in the lifecycle DAG:
// ∅ → OPEN; OPEN ⇄ PAUSED; OPEN or PAUSED → FINISHED; FINISHED → SYNCED.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusPaused   Status = "PAUSED"
	StatusFinished Status = "FINISHED"
	StatusSynced   Status = "SYNCED"
)

// CanTransition reports whether the DAG in spec §3 permits from -> to.
func (from Status) CanTransition(to Status) bool {
	switch from {
	case "":
		return to == StatusOpen
	case StatusOpen:
		return to == StatusPaused || to == StatusFinished
	case StatusPaused:
		return to == StatusOpen || to == StatusFinished
	case StatusFinished:
		return to == StatusSynced
	default:
		return false
	}
}

// Modality is the declared transport type for a Measurement.
type Modality string

const (
	ModalityBicycle   Modality = "BICYCLE"
	ModalityCar       Modality = "CAR"
	ModalityMotorbike Modality = "MOTORBIKE"
	ModalityBus       Modality = "BUS"
	ModalityTrain     Modality = "TRAIN"
	ModalityWalking   Modality = "WALKING"
	ModalityUnknown   Modality = "UNKNOWN"
)

// Measurement is a single recorded trip.
type Measurement struct {
	ID                int64    `json:"id"`
	Status            Status   `json:"status"`
	Modality          Modality `json:"modality"`
	FileFormatVersion int      `json:"file_format_version"`
	Distance          float64  `json:"distance_meters"`
	StartTimestamp    int64    `json:"start_timestamp_ms"`
}

// Identifier is the device's opaque, stable identity, generated once on
// first use and persisted thereafter.
type Identifier struct {
	Value string `json:"value"`
}

// GeoLocation is one GNSS fix owned by a Measurement.
type GeoLocation struct {
	MeasurementID      int64    `json:"measurement_id"`
	Timestamp          int64    `json:"timestamp_ms"`
	Lat                float64  `json:"lat"`
	Lon                float64  `json:"lon"`
	Altitude           *float64 `json:"altitude,omitempty"`
	Speed              float64  `json:"speed"`
	HorizontalAccuracy *float64 `json:"horizontal_accuracy,omitempty"`
	VerticalAccuracy   *float64 `json:"vertical_accuracy,omitempty"`
	Valid              bool     `json:"valid"`
}

// Validate range-checks a GeoLocation per spec §3/§4.2/§8. A negative speed
// is tolerated (some devices misreport it); a negative accuracy is a hard
// reject. Violations return RangeViolation so the caller can drop silently.
func (g GeoLocation) Validate() error {
	if g.Lat < -90 || g.Lat > 90 {
		return RangeViolation
	}
	if g.Lon < -180 || g.Lon > 180 {
		return RangeViolation
	}
	if g.Timestamp < 0 {
		return RangeViolation
	}
	if g.HorizontalAccuracy != nil && *g.HorizontalAccuracy < 0 {
		return RangeViolation
	}
	if g.VerticalAccuracy != nil && *g.VerticalAccuracy < 0 {
		return RangeViolation
	}
	return nil
}

// SensorKind enumerates the 3-axis sensor streams.
type SensorKind string

const (
	SensorAcceleration SensorKind = "acceleration"
	SensorRotation     SensorKind = "rotation"
	SensorDirection    SensorKind = "direction"
)

// SensorPoint is one 3-axis sample owned by a Measurement.
type SensorPoint struct {
	MeasurementID int64      `json:"measurement_id"`
	Timestamp     int64      `json:"timestamp_ms"`
	Kind          SensorKind `json:"kind"`
	X             float64    `json:"x"`
	Y             float64    `json:"y"`
	Z             float64    `json:"z"`
}

// Pressure is a barometric reading averaged to ~1 Hz.
type Pressure struct {
	MeasurementID int64   `json:"measurement_id"`
	Timestamp     int64   `json:"timestamp_ms"`
	Value         float64 `json:"value_hpa"`
}

// Validate enforces the 250..1100 hPa documented range.
func (p Pressure) Validate() error {
	if p.Value < 250 || p.Value > 1100 {
		return RangeViolation
	}
	if p.Timestamp < 0 {
		return RangeViolation
	}
	return nil
}

// EventType enumerates the lifecycle events appended to a Measurement.
type EventType string

const (
	EventLifecycleStart     EventType = "LIFECYCLE_START"
	EventLifecyclePause     EventType = "LIFECYCLE_PAUSE"
	EventLifecycleResume    EventType = "LIFECYCLE_RESUME"
	EventLifecycleStop      EventType = "LIFECYCLE_STOP"
	EventModalityTypeChange EventType = "MODALITY_TYPE_CHANGE"
)

// Event is one lifecycle transition record owned by a Measurement.
type Event struct {
	MeasurementID int64     `json:"measurement_id"`
	Timestamp     int64     `json:"timestamp_ms"`
	Type          EventType `json:"type"`
	Payload       string    `json:"payload,omitempty"`
}

// Track is the derived, read-only reconstruction of a Measurement's
// lifecycle-bounded sub-sequences (spec §3, §8 scenario 2).
type Track struct {
	MeasurementID int64           `json:"measurement_id"`
	Segments      [][]GeoLocation `json:"segments"`
	Pressures     []Pressure      `json:"pressures"`
}

// Domain errors named in spec §7.
var (
	MissingPermission          = errors.New("fine-location permission not granted")
	NoSuchMeasurement          = errors.New("no measurement in the required state")
	InvalidLifecycleTransition = errors.New("status transition violates the lifecycle DAG")
	CorruptedMeasurement       = errors.New("a prior OPEN/PAUSED measurement exists")
	WorkerStartTimeout         = errors.New("worker did not acknowledge start within the deadline")
	WorkerStopTimeout          = errors.New("worker did not acknowledge stop within the deadline")
	PersistenceFailure         = errors.New("underlying store error")
	RangeViolation             = errors.New("data point outside documented range")
)

// LifecycleError wraps one of the above sentinels with the operation that
// raised it, following errors.Is/errors.As conventions.
type LifecycleError struct {
	Op   string
	Kind error
	Err  error
}

func (e *LifecycleError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.Error()
}

func (e *LifecycleError) Unwrap() error { return e.Kind }

func NewLifecycleError(op string, kind error, err error) *LifecycleError {
	return &LifecycleError{Op: op, Kind: kind, Err: err}
}

// GnssFixLostWindow is the inactivity window after which the Worker emits
// GnssFixLost (spec §9 open question (c), resolved at 11s).
const GnssFixLostWindow = 11 * time.Second
