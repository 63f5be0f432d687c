package api

import (
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewProbeRouter serves liveness, readiness and Prometheus metrics. healthy
// backs /-/healthy; nil means always healthy.
func NewProbeRouter(healthy func() bool) *fox.Engine {
	router := fox.New()
	metrics := promhttp.Handler()

	router.GET("/-/healthy", func(c *fox.Context) {
		if healthy != nil && !healthy() {
			c.String(http.StatusServiceUnavailable, "unhealthy")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	router.GET("/-/ready", func(c *fox.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", func(c *fox.Context) {
		metrics.ServeHTTP(c.Writer, c.Request)
	})
	return router
}
