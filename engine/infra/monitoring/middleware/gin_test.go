package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	monitoringmetrics "github.com/compozy/taskvisor/engine/infra/monitoring/metrics"
)

func setupRouter(t *testing.T) (*gin.Engine, *sdkmetric.ManualReader) {
	t.Helper()
	ResetMetricsForTesting()
	t.Cleanup(ResetMetricsForTesting)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMetrics(provider.Meter("test")))
	router.GET("/tasks/:task_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("task_id")})
	})
	router.POST("/tasks/:task_id", func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})
	return router, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func pathOf(t *testing.T, m metricdata.Metrics) string {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)
	value, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("path"))
	require.True(t, ok)
	return value.AsString()
}

func TestHTTPMetrics(t *testing.T) {
	t.Run("Should record count, latency and route template", func(t *testing.T) {
		router, reader := setupRouter(t)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/abc", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)

		metrics := collect(t, reader)
		total, ok := metrics[monitoringmetrics.MetricName("http_requests_total")]
		require.True(t, ok)
		assert.Equal(t, "/tasks/:task_id", pathOf(t, total))
		_, ok = metrics[monitoringmetrics.MetricName("http_request_duration_seconds")]
		assert.True(t, ok)
		_, ok = metrics[monitoringmetrics.MetricName("http_requests_in_flight")]
		assert.True(t, ok)
	})

	t.Run("Should label unknown routes as unmatched", func(t *testing.T) {
		router, reader := setupRouter(t)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere/1", http.NoBody))
		require.Equal(t, http.StatusNotFound, w.Code)

		total := collect(t, reader)[monitoringmetrics.MetricName("http_requests_total")]
		assert.Equal(t, "unmatched", pathOf(t, total))
	})

	t.Run("Should pass requests through with a nil meter", func(t *testing.T) {
		ResetMetricsForTesting()
		t.Cleanup(ResetMetricsForTesting)
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(HTTPMetrics(nil))
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", http.NoBody))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}
