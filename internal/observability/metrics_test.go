package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/edgepub/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("edge-a", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordHandshake("edge-a", "accepted")
	RecordMessage("edge-a", "sent", "", 3)
	RecordMessage("edge-a", "error", "rate_limited", -1)
	RecordAdminCommand("edge-a", "pause_project_id", true)
	RecordSlowConsumer("edge-a")
	AddConnections("edge-a", 2)
	AddConnections("edge-a", -1)

	if got := testutil.ToFloat64(edgeConnections.WithLabelValues("edge-a")); got != 1 {
		t.Fatalf("expected 1 open connection, got %v", got)
	}
	if got := testutil.ToFloat64(edgeMessages.WithLabelValues("edge-a", "error", "rate_limited")); got != 1 {
		t.Fatalf("expected 1 rate limited message, got %v", got)
	}
}

func TestRequestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), RequestLogger(testlog.Logger(t)), RequestMetricsMiddleware("edge-mw"))
	r.GET("/ready", func(c *gin.Context) { c.String(http.StatusOK, RequestIDFrom(c)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	minted := w.Header().Get(RequestIDHeader)
	if minted == "" || w.Body.String() != minted {
		t.Fatalf("expected minted request id echoed, header=%q body=%q", minted, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("expected caller request id, got %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("edge-mw", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched request counted, got %v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("edge-mw", "GET", "/ready", "200")); got != 2 {
		t.Fatalf("expected 2 ready requests, got %v", got)
	}
}
