package main

// Synthetic Sources implementations for the CLI demo host. Grounded on the
// Sensor-Logger example's synthetic data generators: no real GNSS/IMU
// hardware integration exists in this domain, so the demo walks a small
// fixed route and fabricates sensor noise around it, at the cadence a real
// device would deliver.

import (
	"context"
	"math"
	"time"

	"github.com/99souls/waypoint/engine"
	"github.com/99souls/waypoint/engine/models"
)

type syntheticLocationSource struct {
	startLat, startLon float64
	interval           time.Duration
}

func (s syntheticLocationSource) Subscribe(ctx context.Context) (<-chan models.GeoLocation, error) {
	out := make(chan models.GeoLocation)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		var step int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				step++
				loc := models.GeoLocation{
					Timestamp: time.Now().UnixMilli(),
					Lat:       s.startLat + float64(step)*0.00003,
					Lon:       s.startLon + float64(step)*0.00002,
					Speed:     3.2,
					Valid:     true,
				}
				select {
				case out <- loc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type syntheticSensorSource struct{}

func (syntheticSensorSource) Subscribe(ctx context.Context, kind models.SensorKind, hz float64) (<-chan models.SensorPoint, error) {
	if hz <= 0 {
		hz = 50
	}
	out := make(chan models.SensorPoint)
	go func() {
		defer close(out)
		interval := time.Duration(float64(time.Second) / hz)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var t float64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t += interval.Seconds()
				pt := models.SensorPoint{
					Timestamp: time.Now().UnixMilli(),
					Kind:      kind,
					X:         math.Sin(t),
					Y:         math.Cos(t),
					Z:         9.81,
				}
				select {
				case out <- pt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type syntheticPressureSource struct{}

func (syntheticPressureSource) Subscribe(ctx context.Context) (<-chan engine.PressureSample, error) {
	out := make(chan engine.PressureSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out <- engine.PressureSample{Timestamp: time.Now().UnixMilli(), Value: 1013.25}
			}
		}
	}()
	return out, nil
}

type alwaysGrantedPermission struct{}

func (alwaysGrantedPermission) FineLocationGranted() bool { return true }

func demoSources() engine.Sources {
	return engine.Sources{
		Location:   syntheticLocationSource{startLat: 51.5007, startLon: -0.1246, interval: 1 * time.Second},
		Sensors:    syntheticSensorSource{},
		Pressure:   syntheticPressureSource{},
		Permission: alwaysGrantedPermission{},
	}
}
