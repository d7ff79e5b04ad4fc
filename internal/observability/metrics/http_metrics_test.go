package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{ServiceName: "creditflow", Environment: "test"})

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/internal/accounts/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/internal/accounts/"+id, nil)
		router.ServeHTTP(rec, req)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/internal/accounts/:id", "204"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}
