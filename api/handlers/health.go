package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quietlake/bookvault/pkg/logger"
)

// DependencyCheck 探测一个后端依赖是否可用
type DependencyCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]DependencyCheck
	logger logger.Logger
}

func NewHealthHandler(checks map[string]DependencyCheck, log logger.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: log}
}

// Check 逐个探测依赖. 任何一个不通就报 503, 方便负载均衡摘除实例.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := gin.H{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Dependency check failed",
				logger.String("dependency", name),
				logger.Error(err),
			)
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
