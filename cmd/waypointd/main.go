// Command waypointd is a demo host for the capture engine, grounded on
// Ariadne's cli/cmd/ariadne entrypoint (flag parsing, signal handling,
// metrics/health endpoints, a snapshot ticker) and on the synthetic-source
// pattern from the Sensor-Logger example. It drives a single measurement
// end-to-end against synthetic GNSS/sensor/pressure streams, since no real
// device integration exists in this domain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/99souls/waypoint/engine"
	"github.com/99souls/waypoint/engine/models"
	"github.com/99souls/waypoint/engine/strategies"
)

func main() {
	var (
		dbPath         string
		modality       string
		runFor         time.Duration
		snapshotEvery  time.Duration
		metricsAddr    string
		healthAddr     string
		metricsBackend string
		enableMetrics  bool
		showVersion    bool
	)
	flag.StringVar(&dbPath, "db", "waypoint.db", "Path to the sqlite persistence file")
	flag.StringVar(&modality, "modality", "WALKING", "Declared transport modality for the demo measurement")
	flag.DurationVar(&runFor, "duration", 30*time.Second, "How long to capture before stopping (0=until interrupted)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 5*time.Second, "Interval between health/status snapshots (0=disabled)")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose metrics on address (e.g. :9090)")
	flag.StringVar(&healthAddr, "health", "", "Expose health endpoint on address (e.g. :9091)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.BoolVar(&enableMetrics, "enable-metrics", false, "Enable metrics provider (required to serve metrics)")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("waypointd - capture engine demo host")
		return
	}

	cfg := engine.Defaults()
	cfg.PersistencePath = dbPath
	if enableMetrics {
		cfg.MetricsEnabled = true
		cfg.MetricsBackend = metricsBackend
	}

	ctrl, err := engine.New(cfg, demoSources())
	if err != nil {
		log.Fatalf("create controller: %v", err)
	}
	defer func() { _ = ctrl.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; stopping measurement...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if metricsAddr != "" && cfg.MetricsEnabled {
		if handler, ok := ctrl.MetricsHandler(); ok {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			go func() {
				log.Printf("metrics listening on %s (backend=%s)", metricsAddr, cfg.MetricsBackend)
				_ = http.ListenAndServe(metricsAddr, mux)
			}()
		}
	}

	if healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			hs := ctrl.Health(r.Context())
			_ = json.NewEncoder(w).Encode(hs)
		})
		go func() {
			log.Printf("health endpoint listening on %s", healthAddr)
			_ = http.ListenAndServe(healthAddr, mux)
		}()
	}

	var startedID int64
	if err := ctrl.Start(ctx, models.Modality(modality), strategies.Options{}, func(id int64) {
		startedID = id
		log.Printf("measurement %d started (modality=%s)", id, modality)
	}); err != nil {
		log.Fatalf("start: %v", err)
	}

	var timeoutCh <-chan time.Time
	if runFor > 0 {
		timer := time.NewTimer(runFor)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		tickC = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeoutCh:
			break loop
		case <-tickC:
			hs := ctrl.Health(context.Background())
			log.Printf("health=%s measurement=%d", hs.Overall, startedID)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer stopCancel()
	if err := ctrl.Stop(stopCtx, func(id int64, ok bool) {
		log.Printf("measurement %d stopped (stoppedSuccessfully=%v)", id, ok)
	}); err != nil {
		log.Printf("stop: %v", err)
	}

	track, err := ctrl.LoadTrack(context.Background(), startedID)
	if err != nil {
		log.Printf("load track: %v", err)
		return
	}
	b, _ := json.MarshalIndent(track, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== TRACK %d ===\n%s\n", startedID, string(b))
}
