package engine

import (
	"context"

	"github.com/99souls/waypoint/engine/models"
)

// LocationSource is the abstract GNSS provider the engine subscribes to
// (spec §6 "Sensor/GNSS source (consumed)"): the engine does not own
// acquisition or calibration, only the channel contract.
type LocationSource interface {
	Subscribe(ctx context.Context) (<-chan models.GeoLocation, error)
}

// SensorSource delivers one 3-axis stream (acceleration, rotation,
// direction) at the frequency requested by the active SensorCaptureMode.
type SensorSource interface {
	Subscribe(ctx context.Context, kind models.SensorKind, hz float64) (<-chan models.SensorPoint, error)
}

// PressureSample is one raw barometer reading before 1 Hz averaging.
type PressureSample struct {
	Timestamp int64
	Value     float64
}

// PressureSource delivers raw barometer samples (separate handler thread
// per spec §4.2 step 1).
type PressureSource interface {
	Subscribe(ctx context.Context) (<-chan PressureSample, error)
}

// PermissionChecker reports whether the host has granted fine-location
// capability (spec §4.1 "start ... requires ... the fine-location
// capability granted").
type PermissionChecker interface {
	FineLocationGranted() bool
}

// Sources bundles the external collaborators a Controller subscribes
// through when it launches a Worker. Nil fields disable that stream; a
// nil Permission always reports granted (useful in tests).
type Sources struct {
	Location   LocationSource
	Sensors    SensorSource
	Pressure   PressureSource
	Permission PermissionChecker
}

func (s Sources) permissionGranted() bool {
	if s.Permission == nil {
		return true
	}
	return s.Permission.FineLocationGranted()
}
