// ffcluster/cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ffcluster/config"
	"ffcluster/ffmpeg"
	"ffcluster/logx"
	"ffcluster/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logx.Setup(logx.FromConfig("worker", cfg))

	ffmpegRunner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ffmpeg runner")
	}

	svc := worker.NewService(cfg, ffmpegRunner, ffmpegRunner.TempDir())
	srv := &http.Server{
		Addr:    ":" + cfg.WorkerPort,
		Handler: worker.SetupRouter(svc),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.WorkerPort).Msg("Worker starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	stop()
	log.Info().Msg("Shutting down gracefully, press Ctrl+C again to force")

	// in-flight chunks get the chunk timeout to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ChunkTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Worker exiting")
}
