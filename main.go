// clipper/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/shlex"

	"clipper/api"
	"clipper/config"
	"clipper/fetch"
	"clipper/job"
	"clipper/media"
	"clipper/metrics"
	"clipper/pipeline"
	"clipper/queue"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "clipper-outputs")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		log.Fatalf("Failed to create output dir %s: %v", cfg.OutputDir, err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}

	extraArgs, err := shlex.Split(cfg.ExtraEncoderArgs)
	if err != nil {
		log.Fatalf("Invalid EXTRA_ENCODER_ARGS: %v", err)
	}
	refresh, err := refreshFunc(cfg.RefreshCommand)
	if err != nil {
		log.Fatalf("Invalid REFRESH_COMMAND: %v", err)
	}

	// 2. Storage and queue: Redis when configured, in-memory otherwise.
	var store job.Store
	var q queue.Queue
	if cfg.RedisAddr != "" {
		client := job.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("Cannot reach Redis at %s: %v", cfg.RedisAddr, err)
		}
		cancel()
		store = job.NewRedisStore(client)
		q = queue.NewRedisQueue(client, cfg.QueueName)
		log.Printf("Using Redis at %s (queue %q)", cfg.RedisAddr, cfg.QueueName)
	} else {
		store = job.NewMemoryStore()
		q = queue.NewMemoryQueue(256)
		log.Println("Using in-memory store and queue (no REDIS_ADDR set)")
	}
	defer q.Close()

	// 3. Build the pipeline stages and processor.
	m := metrics.New()
	fetcher := fetch.New(fetch.Options{
		FFmpegBin:   cfg.FFmpegBin,
		YtDlpBin:    cfg.YtDlpBin,
		CookiesPath: cfg.CookiesPath,
		MaxSize:     cfg.MaxSourceSize,
		Retry: fetch.RetryOptions{
			Attempts:        cfg.FetchAttempts,
			BackoffBase:     cfg.RetryBackoffBase,
			BackoffCap:      cfg.RetryBackoffCap,
			Refresh:         refresh,
			RefreshCooldown: cfg.RefreshCooldown,
		},
	})
	transcoder := &media.Transcoder{
		FFmpegBin:  cfg.FFmpegBin,
		FFprobeBin: cfg.FFprobeBin,
		Window:     cfg.WatchdogWindow,
		ExtraArgs:  extraArgs,
	}
	concat := &media.Concatenator{
		FFmpegBin: cfg.FFmpegBin,
		Window:    cfg.WatchdogWindow,
	}
	proc := pipeline.NewProcessor(store, fetcher, transcoder, concat, m, pipeline.Options{
		TempRoot:       cfg.TempRoot,
		OutputDir:      cfg.OutputDir,
		BaseURL:        cfg.BaseURL,
		SegmentBuffer:  cfg.SegmentBuffer,
		OutputLifetime: cfg.OutputLifetime,
	})

	// 4. Worker pool consuming the queue.
	pool := queue.NewPool(q, store, proc, queue.PoolOptions{
		Workers:     cfg.Workers,
		Attempts:    cfg.JobAttempts,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffCap:  cfg.RetryBackoffCap,
		Gate: &queue.ResourceGate{
			MinIdleCPU:  cfg.ThrottleCPU,
			MinFreeMem:  cfg.ThrottleFreeMem,
			MinFreeDisk: cfg.ThrottleFreeDisk,
			ScratchPath: cfg.OutputDir,
		},
		Retryable: pipeline.Retryable,
	})
	pool.BusyHook = func(delta int) { m.WorkersBusy.Add(float64(delta)) }
	pool.RetryHook = func() { m.JobRetries.Inc() }

	// 5. Router and server.
	handler := api.NewHandler(store, q, pool, proc, m, cfg)
	router := api.SetupRouter(handler, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	proc.StartRetentionSweep(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown.
	<-ctx.Done()
	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}

// refreshFunc turns the configured shell-style command line into the
// credential refresh hook run after anti-bot challenges.
func refreshFunc(command string) (fetch.RefreshFunc, error) {
	if command == "" {
		return nil, nil
	}
	parts, err := shlex.Split(command)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("refresh command failed: %v (%s)", err, out)
		}
		return nil
	}, nil
}
