package controllers

import (
	"net/http"

	"github.com/aihub/docindex/internal/database"
)

// HealthController 健康检查
type HealthController struct {
	BaseController
	// DB is nil when no store uses PostgreSQL.
	DB      *database.DB
	Service string
}

// Health reports the service as unavailable while its database is down.
func (c *HealthController) Health() {
	body := map[string]interface{}{
		"status":  "ok",
		"service": c.Service,
	}
	status := http.StatusOK
	if c.DB != nil {
		result := c.DB.Health.Result()
		body["database"] = result
		if err := c.DB.HealthCheck(c.Ctx.Request.Context()); err != nil {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}

// Index 根路径
func (c *HealthController) Index() {
	c.JSONSuccess(map[string]string{"service": c.Service})
}
