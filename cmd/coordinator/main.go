// ffcluster/cmd/coordinator/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ffcluster/api"
	"ffcluster/cluster"
	"ffcluster/config"
	"ffcluster/ffmpeg"
	"ffcluster/logx"
	"ffcluster/media"
	"ffcluster/storage"
	"ffcluster/task"
)

func main() {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logx.Setup(logx.FromConfig("coordinator", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Local tools, used for split/merge and for single-node fallback
	ffmpegRunner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ffmpeg runner")
	}

	// 3. Cluster
	var discovery cluster.Discovery = cluster.StaticDiscovery(cfg.WorkerURLs)
	if cfg.WorkerDNS != "" {
		discovery = cluster.DNSDiscovery{Host: cfg.WorkerDNS, Port: cfg.WorkerDNSPort, Scheme: cfg.WorkerDNSScheme}
	}
	prober := cluster.NewHealthProber(discovery, cfg.HealthTimeout)
	prober.SetMinHealthy(cfg.MinHealthyWorkers)

	var coordinator task.Coordinator
	if len(cfg.WorkerURLs) > 0 || cfg.WorkerDNS != "" {
		coordinator = cluster.NewCoordinator(
			cluster.CoordinatorConfig{WorkDir: ffmpegRunner.TempDir(), MinHealthyWorkers: cfg.MinHealthyWorkers},
			prober,
			media.NewSplitter(ffmpegRunner),
			cluster.NewWorkerClient(cfg.ChunkTimeout),
			media.NewMerger(ffmpegRunner),
		)
	} else {
		log.Warn().Msg("No workers configured, every task runs single-node")
	}

	// 4. Task records
	var store task.Store = task.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
		}
		store = task.NewRedisStore(rdb, cfg.TaskTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis task store")
	}

	taskManager, err := task.NewManager(cfg, store, coordinator, ffmpegRunner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize task manager")
	}
	if cfg.S3Bucket != "" {
		pub, err := storage.NewS3Publisher(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 publisher")
		}
		taskManager.SetPublisher(pub)
	}

	// 5. Set up router and server
	router := api.SetupRouter(taskManager, prober, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	taskManager.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Coordinator starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info().Msg("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
