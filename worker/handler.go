package worker

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"ffcluster/ffmpeg"
	"ffcluster/logx"
)

// multipart framing allowance on top of MaxInputSize
const formOverhead = 1 << 20

func (s *Service) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":         "ffcluster-worker",
		"status":       "running",
		"active_count": s.ActiveCount(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"active_count": s.ActiveCount(),
		"total_count":  s.TotalCount(),
		"disk_free_mb": ffmpeg.DiskFreeMB(s.dir),
	})
}

// handleProcessChunk receives one chunk, transforms it synchronously and
// answers once the result is ready for download.
func (s *Service) handleProcessChunk(c *gin.Context) {
	if s.cfg.MaxInputSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxInputSize+formOverhead)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Chunk exceeds maximum input size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	if s.cfg.MaxInputSize > 0 && file.Size > s.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Chunk exceeds maximum input size"})
		return
	}

	chunkID := c.PostForm("chunk_id")
	if !ffmpeg.SafeName(chunkID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chunk_id"})
		return
	}

	op := ffmpeg.Operation{
		Name:         c.PostForm("operation"),
		Quality:      c.PostForm("quality"),
		OutputFormat: c.PostForm("output_format"),
	}.Normalize()
	if err := op.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := logx.WithChunk(c.Request.Context(), chunkID, "")
	logger := logx.FromCtx(ctx)

	inputPath := filepath.Join(s.dir, chunkID+"_input"+strings.ToLower(filepath.Ext(file.Filename)))
	outputPath := filepath.Join(s.dir, fmt.Sprintf("%s_output.%s", chunkID, op.OutputFormat))
	rec := &ChunkRecord{
		ChunkID:    chunkID,
		Handle:     ulid.Make().String(),
		Status:     StatusProcessing,
		Operation:  op,
		OutputPath: outputPath,
		CreatedAt:  time.Now(),
	}
	if !s.begin(rec) {
		c.JSON(http.StatusConflict, gin.H{"error": "Chunk is already being processed"})
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	// a failed save can leave a partial file behind
	defer os.Remove(inputPath)
	if err := s.saveUpload(c, file, inputPath); err != nil {
		s.fail(chunkID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Saving upload failed: %v", err)})
		return
	}

	logger.Info().Str("operation", op.Name).Int64("size", file.Size).Msg("Processing chunk")
	start := time.Now()
	if _, err := s.runner.Transform(ctx, op, inputPath, outputPath); err != nil {
		s.fail(chunkID, err)
		logger.Error().Err(err).Msg("Chunk processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "chunk_id": chunkID})
		return
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		s.fail(chunkID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Output file missing after processing", "chunk_id": chunkID})
		return
	}

	s.finish(chunkID, func(r *ChunkRecord) {
		r.Status = StatusComplete
		r.OutputSize = info.Size()
		r.CompletedAt = time.Now()
	})
	s.total.Add(1)
	logger.Info().Dur("elapsed", time.Since(start)).Int64("output_size", info.Size()).Msg("Chunk processed")

	c.JSON(http.StatusOK, gin.H{
		"chunk_id":     chunkID,
		"handle":       rec.Handle,
		"status":       StatusComplete,
		"output_size":  info.Size(),
		"download_url": "/download/" + chunkID,
	})
}

func (s *Service) fail(chunkID string, err error) {
	s.finish(chunkID, func(r *ChunkRecord) {
		r.Status = StatusFailed
		r.Error = err.Error()
		r.CompletedAt = time.Now()
		os.Remove(r.OutputPath)
	})
}

func (s *Service) handleStatus(c *gin.Context) {
	rec, ok := s.get(c.Param("chunk_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Chunk not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) handleDownload(c *gin.Context) {
	rec, ok := s.get(c.Param("chunk_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Chunk not found"})
		return
	}
	if rec.Status != StatusComplete {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Chunk not complete (status: %s)", rec.Status)})
		return
	}
	if _, err := os.Stat(rec.OutputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output file not found"})
		return
	}
	c.FileAttachment(rec.OutputPath, filepath.Base(rec.OutputPath))
}
