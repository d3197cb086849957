// Command lookoutd runs the Lookout re-identification engine: it wires the
// configuration, both storage tiers, the guarded embedding oracle, and the
// hybrid coordinator, then serves a small health endpoint until terminated.
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
	"syscall"
	"time"

	"github.com/scrypster/lookout/internal/baseline"
	"github.com/scrypster/lookout/internal/config"
	"github.com/scrypster/lookout/internal/engine"
	"github.com/scrypster/lookout/internal/oracle"
	"github.com/scrypster/lookout/internal/shortterm"
	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/internal/storage/memkv"
	"github.com/scrypster/lookout/internal/storage/postgres"
	"github.com/scrypster/lookout/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("lookoutd: %v", err)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfigFile(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identities, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Reid.Dimension)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer identities.Close()

	kv, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache tier: %w", err)
	}
	defer kv.Close()

	client := oracle.NewClient(oracle.ClientConfig{
		BaseURL:   cfg.Oracle.BaseURL,
		Dimension: cfg.Reid.Dimension,
		Timeout:   cfg.Oracle.CallTimeout.Std(),
	})
	guard := oracle.NewGuard("embedding-oracle", client, oracle.GuardConfig{
		MaxConcurrent: int64(cfg.Oracle.MaxConcurrent),
		RatePerSecond: cfg.Oracle.RatePerSec,
		CallTimeout:   cfg.Oracle.CallTimeout.Std(),
		MaxAttempts:   cfg.Oracle.MaxAttempts,
		BackoffBase:   cfg.Oracle.BackoffBase.Std(),
		Breaker: oracle.BreakerConfig{
			MaxFailures:   uint32(cfg.Oracle.BreakerMaxFailures),
			CoolDown:      cfg.Oracle.BreakerCoolDown.Std(),
			HalfOpenCalls: uint32(cfg.Oracle.BreakerHalfOpenCalls),
		},
	})

	shortTerm := shortterm.NewStore(kv, cfg.Reid.Dimension)
	assigner := engine.NewAssigner(identities, cfg.Reid.Dimension)
	coordinator := engine.NewCoordinator(assigner, identities, shortTerm, guard, cfg.Reid.Dimension)
	detector := baseline.NewDetector(kv, guard, baseline.Config{
		Dimension: cfg.Reid.Dimension,
		Decay:     cfg.Reid.BaselineDecay,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]any{
			"breaker": guard.BreakerState(),
			"oracle":  "ok",
		}
		code := http.StatusOK
		if err := guard.HealthCheck(checkCtx); err != nil {
			status["oracle"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/statsz", func(w http.ResponseWriter, r *http.Request) {
		counts, err := coordinator.CountsByType(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"identities": counts,
			"breaker":    guard.BreakerMetrics(),
		})
	})
	// Operational probe for a camera's baseline freshness; the full
	// baseline API lives in the external REST layer.
	mux.HandleFunc("/baselinez", func(w http.ResponseWriter, r *http.Request) {
		cameraID := r.URL.Query().Get("camera")
		b, err := detector.GetBaseline(r.Context(), cameraID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"camera_id":    b.CameraID,
			"sample_count": b.SampleCount,
			"last_updated": b.LastUpdated,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("lookoutd: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("lookoutd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openCache(cfg *config.Config) (storage.KV, error) {
	switch cfg.Storage.CacheEngine {
	case "memory":
		return memkv.NewStore(cfg.Storage.CacheSize)
	default:
		return sqlite.NewKVStore(cfg.Storage.CachePath)
	}
}
