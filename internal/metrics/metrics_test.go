package metrics

import (
	"context"
	"database/sql"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	_ "modernc.org/sqlite"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestDecisionCounter(t *testing.T) {
	c := DecisionsTotal.WithLabelValues("BLOCK", "scored")
	before := counterValue(t, c)

	c.Inc()
	c.Inc()

	if got := counterValue(t, c) - before; got != 2 {
		t.Errorf("expected 2 increments, got %v", got)
	}
}

func TestHandlerExposesRegisteredFamilies(t *testing.T) {
	DegradedScoresTotal.WithLabelValues(DegradedUnavailable).Inc()
	RiskScore.Observe(0.42)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"kestrel_degraded_scores_total",
		"kestrel_risk_score_bucket",
		"kestrel_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}

func TestHistogramBuckets(t *testing.T) {
	RiskScore.Observe(0.9)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "kestrel_risk_score" {
			family = f
		}
	}
	if family == nil {
		t.Fatal("kestrel_risk_score not gathered")
	}
	if family.GetType() != dto.MetricType_HISTOGRAM {
		t.Fatalf("expected histogram, got %v", family.GetType())
	}
	buckets := family.GetMetric()[0].GetHistogram().GetBucket()
	if len(buckets) != 10 || buckets[len(buckets)-1].GetUpperBound() != 1 {
		t.Errorf("unexpected risk score buckets: %v", buckets)
	}
}

func TestStartDBStatsCollector(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, db, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for gaugeValue(t, DBInUseConnections) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after cancel")
	}

	if got := gaugeValue(t, DBInUseConnections); got < 1 {
		t.Errorf("expected at least one in-use connection, got %v", got)
	}
	if got := gaugeValue(t, GoroutineCount); got <= 0 {
		t.Errorf("expected goroutine count, got %v", got)
	}
}
