package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"ffcluster/config"
)

type ctxKey string

const (
	CtxKeyJobID   ctxKey = "job_id"
	CtxKeyChunkID ctxKey = "chunk_id"
	CtxKeyWorker  ctxKey = "worker"
)

// Config describes where and how log events are written.
type Config struct {
	Service        string // "coordinator" or "worker"
	Level          string // debug|info|warn|error
	Format         string // json|console
	FilePath       string // "" = disabled
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
}

// FromConfig builds a logging Config from the application config.
func FromConfig(service string, cfg *config.Config) Config {
	return Config{
		Service:        service,
		Level:          strings.ToLower(cfg.LogLevel),
		Format:         strings.ToLower(cfg.LogFormat),
		FilePath:       cfg.LogFile,
		FileMaxSizeMB:  50,
		FileMaxBackups: 3,
		FileMaxAgeDays: 7,
		FileCompress:   true,
	}
}

// Setup configures the zerolog global logger and returns it.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if c.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stdout)
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.FileMaxSizeMB,
			MaxBackups: c.FileMaxBackups,
			MaxAge:     c.FileMaxAgeDays,
			Compress:   c.FileCompress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()

	log.Logger = logger
	return logger
}

func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, CtxKeyJobID, jobID)
}

func WithChunk(ctx context.Context, chunkID, worker string) context.Context {
	ctx = context.WithValue(ctx, CtxKeyChunkID, chunkID)
	return context.WithValue(ctx, CtxKeyWorker, worker)
}

// FromCtx attaches job, chunk and worker fields (if present) to the global logger.
func FromCtx(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	c := l.With()
	for _, k := range []ctxKey{CtxKeyJobID, CtxKeyChunkID, CtxKeyWorker} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			c = c.Str(string(k), v)
		}
	}
	l = c.Logger()
	return &l
}
