package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"ffcluster/cluster"
	"ffcluster/config"
	"ffcluster/ffmpeg"
	"ffcluster/task"
)

// StatusReporter answers the cluster status query.
type StatusReporter interface {
	Status(ctx context.Context) cluster.ClusterStatus
}

type Handler struct {
	taskManager *task.Manager
	status      StatusReporter
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, status StatusReporter, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		status:      status,
		cfg:         cfg,
	}
}

type TaskRequest struct {
	Operation    string `form:"operation" binding:"required"`
	Quality      string `form:"quality"`
	OutputFormat string `form:"output_format"`
}

// handleClusterStatus reports whether distributed processing is currently possible.
func (h *Handler) handleClusterStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, cluster.ClusterStatus{Workers: []cluster.WorkerHealth{}, Message: "No workers configured"})
		return
	}
	c.JSON(http.StatusOK, h.status.Status(c.Request.Context()))
}

// handleCreateTask accepts a video upload and queues it.
func (h *Handler) handleCreateTask(c *gin.Context) {
	if h.cfg.MaxInputSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize+(1<<20))
	}

	var req TaskRequest
	if err := c.ShouldBind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds maximum input size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op := ffmpeg.Operation{Name: req.Operation, Quality: req.Quality, OutputFormat: req.OutputFormat}.Normalize()
	if err := op.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds maximum input size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	if h.cfg.MaxInputSize > 0 && file.Size > h.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds maximum input size"})
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext == "" || !ffmpeg.SafeName(ext) {
		ext = ".mp4"
	}
	inputPath := filepath.Join(h.cfg.TempDir, "upload_"+shortuuid.New()+ext)
	if err := c.SaveUploadedFile(file, inputPath); err != nil {
		log.Error().Err(err).Msg("Saving upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}

	t, err := h.taskManager.Submit(c.Request.Context(), file.Filename, op, inputPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks, err := h.taskManager.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	for _, t := range tasks {
		h.buildDownloadURL(c, t)
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL constructs the full URL for a completed task's file.
// A URL already set by the publisher wins.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) {
	if t.Status != task.StatusCompleted || t.OutputPath == "" || t.DownloadURL != "" {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	filename := filepath.Base(t.OutputPath)
	t.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, filename)
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, err := h.taskManager.Get(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.buildDownloadURL(c, t)
	c.JSON(http.StatusOK, t)
}

// handleCancelTask cancels a task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	err := h.taskManager.Cancel(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.taskManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(filePath, filename)
}
