// Package strategies provides the capture engine's pluggable, side-effect-free
// policies (spec §4.4): distance calculation, location cleaning, low-disk
// reaction, and the sensor-capture subscription variant. All are narrow
// interfaces over serializable configuration so the Controller can hand them
// to the Worker across the process boundary.
package strategies

import (
	"errors"
	"log/slog"
	"math"

	"github.com/99souls/waypoint/engine/models"
)

// DistanceCalculationStrategyType enumerates the built-in distance
// calculators. Only GreatCircle is implemented by default; custom
// implementations are supplied through Options.DistanceFunc.
type DistanceCalculationStrategyType string

const (
	GreatCircleDistance DistanceCalculationStrategyType = "great_circle"
)

// LocationCleaningStrategyType enumerates the built-in acceptance policies.
type LocationCleaningStrategyType string

const (
	ThresholdCleaning LocationCleaningStrategyType = "threshold"
)

// SpaceWarningPolicyType enumerates the built-in space-warning reactions.
type SpaceWarningPolicyType string

const (
	IgnoreSpaceWarning SpaceWarningPolicyType = "ignore"
	StopOnSpaceWarning SpaceWarningPolicyType = "stop"
)

// SensorCaptureMode selects which sensor streams the Worker subscribes to
// (spec §4.4 "SensorCapture variants").
type SensorCaptureMode string

const (
	SensorCaptureEnabled  SensorCaptureMode = "enabled"
	SensorCaptureDisabled SensorCaptureMode = "disabled"
)

// DistanceFunc computes the distance in meters between two accepted
// GeoLocations.
type DistanceFunc func(prev, next models.GeoLocation) float64

// CleaningFunc decides whether a GeoLocation contributes to distance
// accumulation and is flagged valid on read.
type CleaningFunc func(loc models.GeoLocation) bool

// SpaceWarningHandle is the narrow surface a space-warning policy may act
// on; satisfied by the pipeline's own Worker handle.
type SpaceWarningHandle interface {
	StopSelf()
}

// Composed is the serializable bundle of strategy selections handed from
// the Controller to the Worker as part of a start command (spec §4.4,
// §9 "Strategies as serializable values").
type Composed struct {
	Distance     DistanceCalculationStrategyType `json:"distance"`
	Cleaning     LocationCleaningStrategyType    `json:"cleaning"`
	AccuracyCap  float64                         `json:"accuracy_cap_meters"`
	SpaceWarning SpaceWarningPolicyType          `json:"space_warning"`
	SensorMode   SensorCaptureMode               `json:"sensor_mode"`
	SensorHz     float64                         `json:"sensor_hz"`

	distanceFn DistanceFunc
	cleaningFn CleaningFunc
}

// Composer builds and validates a Composed strategy set, mirroring the
// compose/validate split of the engine's original strategy-composition
// idiom, narrowed to this domain's three policies.
type Composer interface {
	Compose(opts Options) (*Composed, error)
	Validate(*Composed) error
}

// Options are the inputs a host supplies when starting a measurement.
type Options struct {
	Distance     DistanceCalculationStrategyType
	Cleaning     LocationCleaningStrategyType
	AccuracyCap  float64 // meters; 0 disables the accuracy check
	SpaceWarning SpaceWarningPolicyType
	SensorMode   SensorCaptureMode
	SensorHz     float64

	// DistanceFunc/CleaningFunc let advanced callers supply a custom
	// implementation in-process; they are not serialized across a real
	// process boundary and are nil when Composed crosses one.
	DistanceFunc DistanceFunc
	CleaningFunc CleaningFunc
}

func NewComposer() Composer { return &composer{} }

type composer struct{}

func (composer) Compose(opts Options) (*Composed, error) {
	c := &Composed{
		Distance:     opts.Distance,
		Cleaning:     opts.Cleaning,
		AccuracyCap:  opts.AccuracyCap,
		SpaceWarning: opts.SpaceWarning,
		SensorMode:   opts.SensorMode,
		SensorHz:     opts.SensorHz,
		distanceFn:   opts.DistanceFunc,
		cleaningFn:   opts.CleaningFunc,
	}
	if c.Distance == "" {
		c.Distance = GreatCircleDistance
	}
	if c.Cleaning == "" {
		c.Cleaning = ThresholdCleaning
	}
	if c.SpaceWarning == "" {
		c.SpaceWarning = IgnoreSpaceWarning
	}
	if c.SensorMode == "" {
		c.SensorMode = SensorCaptureEnabled
	}
	if c.SensorMode == SensorCaptureEnabled && c.SensorHz <= 0 {
		c.SensorHz = 50
	}
	if err := (composer{}).Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	ErrUnknownDistanceStrategy = errors.New("unknown distance calculation strategy")
	ErrUnknownCleaningStrategy = errors.New("unknown location cleaning strategy")
	ErrUnknownSpaceWarning     = errors.New("unknown space warning policy")
	ErrUnknownSensorMode       = errors.New("unknown sensor capture mode")
)

func (composer) Validate(c *Composed) error {
	switch c.Distance {
	case GreatCircleDistance:
	default:
		if c.distanceFn == nil {
			return ErrUnknownDistanceStrategy
		}
	}
	switch c.Cleaning {
	case ThresholdCleaning:
	default:
		if c.cleaningFn == nil {
			return ErrUnknownCleaningStrategy
		}
	}
	switch c.SpaceWarning {
	case IgnoreSpaceWarning, StopOnSpaceWarning:
	default:
		return ErrUnknownSpaceWarning
	}
	switch c.SensorMode {
	case SensorCaptureEnabled, SensorCaptureDisabled:
	default:
		return ErrUnknownSensorMode
	}
	return nil
}

// DistanceMeters computes the distance in meters between prev and next per the
// composed strategy (spec §4.4 "DistanceCalculationStrategy").
func (c *Composed) DistanceMeters(prev, next models.GeoLocation) float64 {
	if c.distanceFn != nil {
		return c.distanceFn(prev, next)
	}
	return greatCircleMeters(prev, next)
}

// AcceptForDistance implements the LocationCleaningStrategy: a location
// contributes to distance accumulation iff horizontal accuracy (when
// present) is below AccuracyCap and speed is non-negative.
func (c *Composed) AcceptForDistance(loc models.GeoLocation) bool {
	if c.cleaningFn != nil {
		return c.cleaningFn(loc)
	}
	if loc.Speed < 0 {
		return false
	}
	if c.AccuracyCap > 0 && loc.HorizontalAccuracy != nil && *loc.HorizontalAccuracy >= c.AccuracyCap {
		return false
	}
	return true
}

// HandleSpaceWarning implements EventHandlingStrategy.handleSpaceWarning
// (spec §4.2 step 7): the default policy logs and continues; the opinionated
// variant stops the Worker.
func (c *Composed) HandleSpaceWarning(w SpaceWarningHandle) {
	if c.SpaceWarning == StopOnSpaceWarning {
		w.StopSelf()
		return
	}
	slog.Warn("low disk space; continuing capture")
}

const earthRadiusMeters = 6371000.0

// greatCircleMeters is the default DistanceCalculationStrategy: the
// haversine great-circle distance between two geographic points.
func greatCircleMeters(prev, next models.GeoLocation) float64 {
	lat1 := prev.Lat * math.Pi / 180
	lat2 := next.Lat * math.Pi / 180
	dLat := (next.Lat - prev.Lat) * math.Pi / 180
	dLon := (next.Lon - prev.Lon) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
