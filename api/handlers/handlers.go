package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/service/library"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
)

type Handlers struct {
	Books    *BookHandler
	Pipeline *PipelineHandler
	Health   *HealthHandler
}

func NewHandlers(
	libraryService library.LibraryService,
	pipelineService pipeline.PipelineService,
	healthChecks map[string]DependencyCheck,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Books:    NewBookHandler(libraryService, log),
		Pipeline: NewPipelineHandler(pipelineService, log),
		Health:   NewHealthHandler(healthChecks, log),
	}
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForCode 把服务层错误码映射到 HTTP 状态
func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeQuotaExceeded:
		return http.StatusForbidden
	case apperr.CodeInvalidArgument, apperr.CodeUploadIncomplete:
		return http.StatusBadRequest
	case apperr.CodePipelineFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, log logger.Logger, err error) {
	code := apperr.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			logger.String("path", c.FullPath()),
			logger.Error(err),
		)
	}
	c.JSON(status, ErrorResponse{
		Error:   string(code),
		Message: err.Error(),
	})
}
