package worker

import (
	"github.com/gin-gonic/gin"
)

func SetupRouter(s *Service) *gin.Engine {
	r := gin.Default()

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.POST("/process-chunk", s.handleProcessChunk)
	r.GET("/status/:chunk_id", s.handleStatus)
	r.GET("/download/:chunk_id", s.handleDownload)

	return r
}
