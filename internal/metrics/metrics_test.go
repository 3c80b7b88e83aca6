package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestMiddleware_RecordsRequests(t *testing.T) {
	HTTPRequestsTotal.Reset()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/wallets/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/wal_abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues(http.MethodGet, "/v1/wallets/:id", "2xx")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 404: "4xx", 500: "5xx"}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestCheckoutsTotal_Labels(t *testing.T) {
	CheckoutsTotal.Reset()
	CheckoutsTotal.WithLabelValues("paid").Inc()
	CheckoutsTotal.WithLabelValues("free").Inc()
	CheckoutsTotal.WithLabelValues("paid").Inc()

	counter, err := CheckoutsTotal.GetMetricWithLabelValues("paid")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected paid counter 2, got %f", m.Counter.GetValue())
	}
}
