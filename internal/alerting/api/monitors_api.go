package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/alerting/service/trigger"
	"github.com/qiniu/sensorwatch/internal/middleware"
)

type listResponse struct {
	Items []*model.NotificationMonitor `json:"items"`
}

func (api *Api) ListMonitors(c *gin.Context) {
	limit := 100
	if s := strings.TrimSpace(c.Query("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-1000")
			return
		}
		limit = n
	}
	status := model.MonitorStatus(strings.TrimSpace(c.Query("status")))
	if status != "" && !status.Valid() {
		sendError(c, http.StatusBadRequest, "INVALID_PARAMETER", "unknown status "+string(status))
		return
	}

	items, err := api.Monitors.List(c.Request.Context(), monitor.ListFilter{
		Status: status,
		Tenant: middleware.Tenant(c),
		Limit:  limit,
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if items == nil {
		items = []*model.NotificationMonitor{}
	}
	c.JSON(http.StatusOK, listResponse{Items: items})
}

func (api *Api) GetMonitorByID(c *gin.Context) {
	id := c.Param("id")
	m, err := api.Monitors.GetByID(c.Request.Context(), id)
	if err == nil && !sameTenant(c, m) {
		err = monitor.ErrNotFound
	}
	if err != nil {
		sendMonitorError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (api *Api) AcknowledgeMonitor(c *gin.Context) {
	m, err := api.Acks.Acknowledge(c.Request.Context(), middleware.Tenant(c), c.Param("id"))
	if err != nil {
		sendMonitorError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func sameTenant(c *gin.Context, m *model.NotificationMonitor) bool {
	tenant := middleware.Tenant(c)
	return tenant == "" || tenant == m.Tenant
}

func sendMonitorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		sendError(c, http.StatusNotFound, "NOT_FOUND", "notification monitor not found")
	case errors.Is(err, trigger.ErrMonitorBusy), errors.Is(err, trigger.ErrInvalidState):
		sendError(c, http.StatusConflict, "CONFLICT", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
