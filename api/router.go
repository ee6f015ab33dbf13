package api

import (
	"github.com/gin-gonic/gin"

	"ffcluster/config"
	"ffcluster/task"
)

func SetupRouter(tm *task.Manager, status StatusReporter, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(tm, status, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.GET("/cluster/status", h.handleClusterStatus)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
