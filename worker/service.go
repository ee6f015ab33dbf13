package worker

import (
	"context"
	"mime/multipart"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ffcluster/config"
	"ffcluster/ffmpeg"
)

// Transformer runs one operation over a local file.
type Transformer interface {
	Transform(ctx context.Context, op ffmpeg.Operation, inputPath, outputPath string) (string, error)
}

type ChunkStatus string

const (
	StatusProcessing ChunkStatus = "processing"
	StatusComplete   ChunkStatus = "complete"
	StatusFailed     ChunkStatus = "failed"
)

// ChunkRecord is the worker's view of one chunk it was asked to process.
type ChunkRecord struct {
	ChunkID     string           `json:"chunk_id"`
	Handle      string           `json:"handle"`
	Status      ChunkStatus      `json:"status"`
	Operation   ffmpeg.Operation `json:"operation"`
	OutputPath  string           `json:"-"`
	OutputSize  int64            `json:"output_size,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Service processes chunks one request at a time. It knows nothing about
// other workers or about whole jobs.
type Service struct {
	cfg    *config.Config
	runner Transformer
	dir    string

	// saveUpload writes a received chunk to disk.
	saveUpload func(c *gin.Context, file *multipart.FileHeader, dst string) error

	mu     sync.RWMutex
	chunks map[string]*ChunkRecord

	active atomic.Int32
	total  atomic.Int64
}

func NewService(cfg *config.Config, runner Transformer, dir string) *Service {
	return &Service{
		cfg:    cfg,
		runner: runner,
		dir:    dir,
		chunks: make(map[string]*ChunkRecord),

		saveUpload: (*gin.Context).SaveUploadedFile,
	}
}

func (s *Service) Start(ctx context.Context) {
	log.Info().Str("dir", s.dir).Msg("Worker service started")
	go s.cleanupLoop(ctx)
}

func (s *Service) ActiveCount() int { return int(s.active.Load()) }

func (s *Service) TotalCount() int64 { return s.total.Load() }

func (s *Service) get(id string) (ChunkRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.chunks[id]
	if !ok {
		return ChunkRecord{}, false
	}
	return *rec, true
}

// begin records a chunk as processing. It refuses an id that is in flight.
func (s *Service) begin(rec *ChunkRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.chunks[rec.ChunkID]; ok {
		if prev.Status == StatusProcessing {
			return false
		}
		if prev.OutputPath != "" && prev.OutputPath != rec.OutputPath {
			os.Remove(prev.OutputPath)
		}
	}
	s.chunks[rec.ChunkID] = rec
	return true
}

func (s *Service) finish(id string, fn func(*ChunkRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.chunks[id]; ok {
		fn(rec)
	}
}

// cleanupLoop expires chunk records and their files after WorkerFileLifetime.
func (s *Service) cleanupLoop(ctx context.Context) {
	lifetime := s.cfg.WorkerFileLifetime
	if lifetime <= 0 {
		return
	}
	ticker := time.NewTicker(lifetime / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup loop shutting down")
			return
		case <-ticker.C:
			if n := s.expire(time.Now().Add(-lifetime)); n > 0 {
				log.Info().Int("removed", n).Msg("Expired chunk records cleaned up")
			}
		}
	}
}

func (s *Service) expire(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.chunks {
		if rec.Status == StatusProcessing || rec.CreatedAt.After(cutoff) {
			continue
		}
		if rec.OutputPath != "" {
			if err := os.Remove(rec.OutputPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("chunk_id", id).Msg("Removing chunk output failed")
			}
		}
		delete(s.chunks, id)
		n++
	}
	return n
}
