package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/quietlake/bookvault/api/handlers"
	"github.com/quietlake/bookvault/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	// 全局中间件
	r.Use(middleware.CORS())

	r.GET("/health", h.Health.Check)

	// API 版本组
	v1 := r.Group("/api/v1")
	v1.Use(middleware.Identity())

	books := v1.Group("/books")
	{
		books.POST("/uploads", h.Books.InitUpload)
		books.POST("/uploads/complete", h.Books.CompleteUpload)
		books.POST("/by-hash", h.Books.AddByHash)

		books.GET("", h.Books.List)
		books.GET("/:bookId", h.Books.Get)
		books.PATCH("/:bookId", h.Books.Update)
		books.DELETE("/:bookId", h.Books.Delete)

		books.GET("/:bookId/content", h.Books.Content)
		books.PUT("/:bookId/cover", h.Books.UploadCover)
		books.GET("/:bookId/cover", h.Books.Cover)

		books.POST("/:bookId/process", h.Pipeline.Process)
		books.GET("/:bookId/pipeline", h.Pipeline.Status)
	}

	v1.GET("/jobs/:jobId", h.Pipeline.Job)
	v1.GET("/stats", h.Books.Stats)
}
