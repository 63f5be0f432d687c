package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/middleware"
)

// Acknowledger acknowledges a notification monitor on behalf of an operator.
type Acknowledger interface {
	Acknowledge(ctx context.Context, tenant, id string) (*model.NotificationMonitor, error)
}

type Api struct {
	Monitors monitor.Repository
	Acks     Acknowledger
}

// NewApi registers the operator routes on router behind JWT authentication.
func NewApi(router *gin.Engine, monitors monitor.Repository, acks Acknowledger, jwtSecret string) *Api {
	api := &Api{Monitors: monitors, Acks: acks}
	api.setupRouters(router.Group("/v1", middleware.Authentication(jwtSecret)))
	return api
}

func (api *Api) setupRouters(g *gin.RouterGroup) {
	g.GET("/notification-monitors", api.ListMonitors)
	g.GET("/notification-monitors/:id", api.GetMonitorByID)
	g.POST("/notification-monitors/:id/acknowledge", api.AcknowledgeMonitor)
}

func sendError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}
