package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/waypoint/engine/models"
)

func floatPtr(v float64) *float64 { return &v }

func compose(t *testing.T, opts Options) *Composed {
	t.Helper()
	c, err := NewComposer().Compose(opts)
	require.NoError(t, err)
	return c
}

func TestGreatCircleDistanceOneMillidegreeLatitude(t *testing.T) {
	c := compose(t, Options{})
	prev := models.GeoLocation{Lat: 0.0, Lon: 0.0}
	next := models.GeoLocation{Lat: 0.001, Lon: 0.0}
	// 0.001 degrees of latitude at the equator is about 111 m.
	assert.InDelta(t, 111.0, c.DistanceMeters(prev, next), 0.5)
}

func TestGreatCircleDistanceZeroForSamePoint(t *testing.T) {
	c := compose(t, Options{})
	loc := models.GeoLocation{Lat: 48.137, Lon: 11.575}
	assert.Equal(t, 0.0, c.DistanceMeters(loc, loc))
}

func TestThresholdCleaningRejectsNegativeSpeed(t *testing.T) {
	c := compose(t, Options{})
	assert.False(t, c.AcceptForDistance(models.GeoLocation{Speed: -0.1}))
	assert.True(t, c.AcceptForDistance(models.GeoLocation{Speed: 0}))
}

func TestThresholdCleaningAppliesAccuracyCap(t *testing.T) {
	c := compose(t, Options{AccuracyCap: 20})
	assert.True(t, c.AcceptForDistance(models.GeoLocation{HorizontalAccuracy: floatPtr(19.9)}))
	assert.False(t, c.AcceptForDistance(models.GeoLocation{HorizontalAccuracy: floatPtr(20.0)}))
	// Absent accuracy passes; the cap only applies when the device reports one.
	assert.True(t, c.AcceptForDistance(models.GeoLocation{}))
}

func TestCustomCleaningFuncOverridesDefault(t *testing.T) {
	c := compose(t, Options{
		Cleaning:     LocationCleaningStrategyType("custom"),
		CleaningFunc: func(models.GeoLocation) bool { return false },
	})
	assert.False(t, c.AcceptForDistance(models.GeoLocation{Speed: 1}))
}

type recordingHandle struct{ stopped bool }

func (h *recordingHandle) StopSelf() { h.stopped = true }

func TestHandleSpaceWarningPolicies(t *testing.T) {
	ignore := compose(t, Options{SpaceWarning: IgnoreSpaceWarning})
	h := &recordingHandle{}
	ignore.HandleSpaceWarning(h)
	assert.False(t, h.stopped)

	stop := compose(t, Options{SpaceWarning: StopOnSpaceWarning})
	stop.HandleSpaceWarning(h)
	assert.True(t, h.stopped)
}

func TestComposeRejectsUnknownSelections(t *testing.T) {
	_, err := NewComposer().Compose(Options{Distance: "geodesic-vincenty"})
	assert.ErrorIs(t, err, ErrUnknownDistanceStrategy)

	_, err = NewComposer().Compose(Options{SpaceWarning: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownSpaceWarning)
}

func TestComposeDefaultsSensorCapture(t *testing.T) {
	c := compose(t, Options{})
	assert.Equal(t, SensorCaptureEnabled, c.SensorMode)
	assert.Greater(t, c.SensorHz, 0.0)

	disabled := compose(t, Options{SensorMode: SensorCaptureDisabled})
	assert.Equal(t, SensorCaptureDisabled, disabled.SensorMode)
}
