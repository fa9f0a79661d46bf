package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quietlake/bookvault/api/middleware"
	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
)

type PipelineHandler struct {
	service pipeline.PipelineService
	logger  logger.Logger
}

func NewPipelineHandler(service pipeline.PipelineService, log logger.Logger) *PipelineHandler {
	return &PipelineHandler{service: service, logger: log}
}

type processRequestBody struct {
	Operation    string `json:"operation" binding:"required"`
	Tier         string `json:"tier"`
	TargetFormat string `json:"targetFormat"`
	Force        bool   `json:"force"`
}

// Process 请求对一本书执行流水线操作
func (h *PipelineHandler) Process(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("bookId"))
	if err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("bookId must be a UUID"))
		return
	}
	var body processRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}

	op, err := models.ParseOperation(body.Operation)
	if err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("%v", err))
		return
	}
	tier := models.TierFree
	if body.Tier != "" {
		if tier, err = models.ParseTier(body.Tier); err != nil {
			respondError(c, h.logger, apperr.InvalidArgument("%v", err))
			return
		}
	}

	decision, err := h.service.RequestProcessing(c.Request.Context(), middleware.UserID(c), pipeline.ProcessRequest{
		BookID:       bookID,
		Operation:    op,
		Tier:         tier,
		TargetFormat: body.TargetFormat,
		Force:        body.Force,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if decision.Status == pipeline.StatusQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, decision)
}

// Status 汇总一本书的流水线状态
func (h *PipelineHandler) Status(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("bookId"))
	if err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("bookId must be a UUID"))
		return
	}

	report, err := h.service.GetStatus(c.Request.Context(), middleware.UserID(c), bookID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Job 查询单个任务
func (h *PipelineHandler) Job(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("jobId must be a UUID"))
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
