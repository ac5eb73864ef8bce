// Command basestation runs the robot soccer base station: it links to every
// configured robot and the RefBox, fuses the world state and serves it to
// observers over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/basestation/internal/api"
	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/db"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/security"
	"github.com/banshee-data/basestation/internal/session"
	"github.com/banshee-data/basestation/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Station configuration file (.json, .yaml or .yml)")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbPath        = flag.String("db", "basestation.db", "SQLite database path (empty disables persistence)")
	connectRobots = flag.Bool("connect", false, "Connect to every robot at startup")
	connectRefBox = flag.Bool("refbox", false, "Connect to the RefBox at startup")
	paramsFile    = flag.String("params", "", "Parameter file applied to every robot at startup")
	saveParamsDir = flag.String("save-params", "", "Directory to write each robot's parameters to on shutdown")
	snapshotEvery = flag.Int("snapshot-every", 33, "Record one world snapshot every N fusion passes (0 disables)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func loadConfig(path string) (*config.StationConfig, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath {
		log.Printf("no %s found, using built-in defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	metrics, err := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	coord, err := session.New(session.Options{Config: cfg, Metrics: metrics})
	if err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer coord.Close()

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		restoreParameters(coord, store)
	}

	if *paramsFile != "" {
		params, err := config.LoadParameters(*paramsFile)
		if err != nil {
			log.Fatalf("failed to load parameters: %v", err)
		}
		for _, r := range coord.Robots() {
			coord.SetParameters(r.ID(), params)
		}
		log.Printf("applied %d parameters from %s", len(params), *paramsFile)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// record every session event; the channel closes with the coordinator
	if store != nil {
		id, events := coord.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer coord.Unsubscribe(id)
			for ev := range events {
				if err := store.RecordEvent(ev); err != nil {
					log.Printf("failed to record event: %v", err)
				}
			}
		}()
	}

	if *connectRobots {
		for _, res := range coord.ConnectAll() {
			if res.Error != "" {
				log.Printf("robot %s (%s): %s: %s", res.RobotID, res.Name, res.Outcome, res.Error)
			}
		}
	}

	if *connectRefBox {
		coord.ConnectRefBox()
	}
	if interval := cfg.GetReconnectInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.SuperviseRefBox(ctx, interval)
		}()
	}

	// fusion loop at the configured refresh cadence
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.GetRefreshInterval())
		defer ticker.Stop()
		passes := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := coord.Fuse()
				passes++
				if store != nil && *snapshotEvery > 0 && passes%*snapshotEvery == 0 {
					if err := store.RecordSnapshot(snap); err != nil {
						log.Printf("failed to record snapshot: %v", err)
					}
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("admin routes unavailable: %v", err)
			}
		}

		opts := api.Options{Coordinator: coord}
		if store != nil {
			opts.Store = store
		}
		apiMux := api.NewServer(opts).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/metrics", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("%s listening on %s", version.String(), *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down: disconnecting robots and RefBox")
	if *saveParamsDir != "" {
		saveParameters(coord, *saveParamsDir)
	}
	// Close ends the event subscription, which lets the recorder return.
	coord.Close()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// restoreParameters merges each robot's stored parameters into its defaults.
func restoreParameters(coord *session.Coordinator, store *db.DB) {
	for _, r := range coord.Robots() {
		params, err := store.LoadParameters(r.ID())
		if err != nil {
			log.Printf("failed to load stored parameters for robot %s: %v", r.ID(), err)
			continue
		}
		if len(params) > 0 {
			coord.SetParameters(r.ID(), params)
		}
	}
}

func saveParameters(coord *session.Coordinator, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("failed to create %s: %v", dir, err)
		return
	}
	for _, r := range coord.Robots() {
		path, err := security.ParameterFile(dir, r.ID())
		if err != nil {
			log.Printf("skipping parameters for robot %s: %v", r.ID(), err)
			continue
		}
		if err := config.SaveParameters(path, r.Parameters()); err != nil {
			log.Printf("failed to save parameters for robot %s: %v", r.ID(), err)
		}
	}
}
