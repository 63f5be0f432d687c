package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/alerting/service/trigger"
	"github.com/qiniu/sensorwatch/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcks struct {
	err    error
	tenant string
	id     string
}

func (f *fakeAcks) Acknowledge(_ context.Context, tenant, id string) (*model.NotificationMonitor, error) {
	f.tenant, f.id = tenant, id
	if f.err != nil {
		return nil, f.err
	}
	return &model.NotificationMonitor{ID: id, Tenant: tenant, Status: model.MonitorAcknowledged}, nil
}

func setup(t *testing.T) (*gin.Engine, *monitor.MemoryStore, *fakeAcks) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := monitor.NewMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, rec := range []struct {
		tenant string
		status model.MonitorStatus
	}{
		{"tenant-a", model.MonitorWatching},
		{"tenant-a", model.MonitorAcknowledged},
		{"tenant-b", model.MonitorWatching},
	} {
		require.NoError(t, store.Create(context.Background(), &model.NotificationMonitor{
			ID:            fmt.Sprintf("m%d", i+1),
			AlarmID:       fmt.Sprintf("urn:ngsi-ld:Alarm:%d", i+1),
			RuleID:        "urn:ngsi-ld:NotificationRule:1",
			Tenant:        rec.tenant,
			Status:        rec.status,
			CreatedAt:     base,
			LastUpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	acks := &fakeAcks{}
	router := gin.New()
	NewApi(router, store, acks, "")
	return router, store, acks
}

func do(router http.Handler, method, path, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestListMonitors(t *testing.T) {
	router, _, _ := setup(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"tenant scoped", "", []string{"m2", "m1"}},
		{"by status", "?status=Acknowledged", []string{"m2"}},
		{"limited", "?limit=1", []string{"m2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodGet, "/v1/notification-monitors"+tt.query, "tenant-a")
			require.Equal(t, http.StatusOK, w.Code)
			var resp listResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			var got []string
			for _, m := range resp.Items {
				got = append(got, m.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListMonitors_InvalidParameters(t *testing.T) {
	router, _, _ := setup(t)
	for _, q := range []string{"?limit=0", "?limit=abc", "?status=Sleeping"} {
		w := do(router, http.MethodGet, "/v1/notification-monitors"+q, "tenant-a")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, "INVALID_PARAMETER", errorCode(t, w), q)
	}
}

func TestGetMonitorByID(t *testing.T) {
	router, _, _ := setup(t)

	w := do(router, http.MethodGet, "/v1/notification-monitors/m1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	var m model.NotificationMonitor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "urn:ngsi-ld:Alarm:1", m.AlarmID)
	assert.Equal(t, model.MonitorWatching, m.Status)

	w = do(router, http.MethodGet, "/v1/notification-monitors/m3", "tenant-a")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	w = do(router, http.MethodGet, "/v1/notification-monitors/missing", "tenant-a")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcknowledgeMonitor(t *testing.T) {
	router, _, acks := setup(t)

	w := do(router, http.MethodPost, "/v1/notification-monitors/m1/acknowledge", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-a", acks.tenant)
	assert.Equal(t, "m1", acks.id)

	tests := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("%w: m9", monitor.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{trigger.ErrMonitorBusy, http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("%w: Completed", trigger.ErrInvalidState), http.StatusConflict, "CONFLICT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		acks.err = tt.err
		w := do(router, http.MethodPost, "/v1/notification-monitors/m9/acknowledge", "tenant-a")
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
		assert.Equal(t, tt.name, errorCode(t, w))
	}
}

func TestProbeRouter(t *testing.T) {
	healthy := true
	router := NewProbeRouter(func() bool { return healthy })

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/-/healthy", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/-/ready", "").Code)

	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/-/healthy", "").Code)
}
