package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/internal/worker"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/jobstore"
	"github.com/ajitpratap0/datavault/pkg/logger"
	"github.com/ajitpratap0/datavault/pkg/metrics"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
	"github.com/ajitpratap0/datavault/pkg/upload"

	// Import all extractor protocols to register them
	_ "github.com/ajitpratap0/datavault/pkg/extract/bulkfile"
	_ "github.com/ajitpratap0/datavault/pkg/extract/paginated"
	_ "github.com/ajitpratap0/datavault/pkg/extract/polling"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "datavault",
		Short: "Datavault - personal data extraction pipeline",
		Long: `Datavault pulls a user's data out of third-party providers, packages
it into deterministic content-addressed archives, and publishes them
to object storage exactly once per archive.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Datavault v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and registered protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Registered protocols:")
			for _, p := range extract.Protocols() {
				fmt.Printf("  - %s\n", p)
			}
			if configFile == "" {
				return nil
			}
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Sources))
			for id := range cfg.Sources {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			fmt.Println("\nConfigured sources:")
			for _, id := range ids {
				src := cfg.Sources[id]
				fmt.Printf("  - %s (%s, %d calls / %s)\n",
					id, src.Protocol, src.RateLimit.MaxCalls, src.RateLimit.Window)
			}
			return nil
		},
	}
	sourcesCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	root.AddCommand(sourcesCmd)

	var workerConfigFile, logLevel, listenAddr string

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run extraction coordinators until interrupted",
		Long: `Run a pool of extraction coordinators against the configured queue,
rate store and job store. The process also serves Prometheus metrics
and a minimal job intake endpoint on --listen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(workerConfigFile, logLevel, listenAddr)
		},
	}
	workerCmd.Flags().StringVarP(&workerConfigFile, "config", "c", "", "Path to YAML configuration file (required)")
	workerCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	workerCmd.Flags().StringVar(&listenAddr, "listen", ":9090", "Address for metrics and job intake")
	_ = workerCmd.MarkFlagRequired("config")
	root.AddCommand(workerCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(configFile, logLevel, listenAddr string) error {
	if err := logger.Init(logger.Config{Level: logLevel, Encoding: "json"}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters, err := newCounterStore(cfg)
	if err != nil {
		return err
	}
	defer counters.Close()

	limits := make(map[string]config.RateLimitConfig, len(cfg.Sources))
	for id, src := range cfg.Sources {
		limits[id] = src.RateLimit
	}
	budget := ratebudget.New(counters, limits)

	store, err := newJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	uploader := upload.New(objects, store, cfg.Storage)

	queue := worker.NewMemoryQueue(256)
	coordinator, err := worker.New(cfg, queue, store, budget, uploader)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           newMux(queue),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics and job intake", zap.String("addr", listenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("sources", len(cfg.Sources)))

	coordinator.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
	log.Info("worker stopped")
	return nil
}

func newCounterStore(cfg *config.Config) (ratebudget.CounterStore, error) {
	if cfg.RateStore.Backend == "redis" {
		return ratebudget.NewRedisStore(cfg.RateStore), nil
	}
	return ratebudget.NewMemoryStore(), nil
}

func newJobStore(ctx context.Context, cfg *config.Config) (jobstore.Store, error) {
	if cfg.JobStore.Backend == "postgres" {
		return jobstore.NewPostgresStore(ctx, cfg.JobStore.PostgresDSN)
	}
	return jobstore.NewMemoryStore(), nil
}

func newObjectStore(ctx context.Context, cfg *config.Config) (upload.ObjectStore, error) {
	if cfg.Storage.Bucket == "" {
		return upload.NewMemoryObjectStore(), nil
	}
	return upload.NewS3Store(ctx, cfg.Storage)
}

// jobRequest is the intake payload for a new extraction job.
type jobRequest struct {
	UserID      string              `json:"user_id"`
	SourceID    string              `json:"source_id"`
	Credentials extract.Credentials `json:"credentials"`
}

func newMux(queue *worker.MemoryQueue) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req jobRequest
		if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.SourceID == "" {
			http.Error(w, "user_id and source_id are required", http.StatusBadRequest)
			return
		}
		job := &jobstore.JobDescriptor{
			JobID:       uuid.NewString(),
			UserID:      req.UserID,
			SourceID:    req.SourceID,
			Credentials: req.Credentials,
			RequestedAt: time.Now().UTC(),
		}
		if err := queue.Enqueue(job); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = gojson.NewEncoder(w).Encode(map[string]string{"job_id": job.JobID})
	})
	return mux
}
