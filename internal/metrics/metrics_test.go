package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestRequestSentAndSkipped(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RequestSent("main")
	c.RequestSent("main")
	c.RequestSkipped("candidate")

	if v := getCounterValue(c.requestsTotal.WithLabelValues("main")); v != 2 {
		t.Errorf("expected requests=2, got %v", v)
	}
	if v := getCounterValue(c.requestsSkipped.WithLabelValues("candidate")); v != 1 {
		t.Errorf("expected skipped=1, got %v", v)
	}
}

func TestResponseCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ResponseCompleted("candidate", 50*time.Millisecond, false)
	c.ResponseCompleted("candidate", 100*time.Millisecond, true)

	if v := getCounterValue(c.responsesTotal.WithLabelValues("candidate")); v != 2 {
		t.Errorf("expected responses=2, got %v", v)
	}
	if v := getCounterValue(c.errorsTotal.WithLabelValues("candidate")); v != 1 {
		t.Errorf("expected errors=1, got %v", v)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "dbdiffproxy_response_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples")
			}
		}
	}
	if !found {
		t.Error("response duration metric not found")
	}
}

func TestChecksumMismatchAndReportGenerated(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ChecksumMismatch("candidate")
	c.ChecksumMismatch("candidate")
	c.ReportGenerated("candidate")

	if v := getCounterValue(c.checksumMismatches.WithLabelValues("candidate")); v != 2 {
		t.Errorf("expected mismatches=2, got %v", v)
	}
	if v := getCounterValue(c.reportsGenerated.WithLabelValues("candidate")); v != 1 {
		t.Errorf("expected reports=1, got %v", v)
	}
}

func TestExplainScheduledAndGated(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ExplainScheduled("candidate")
	c.ExplainGated("candidate")
	c.ExplainGated("candidate")

	if v := getCounterValue(c.explainsScheduled.WithLabelValues("candidate")); v != 1 {
		t.Errorf("expected scheduled=1, got %v", v)
	}
	if v := getCounterValue(c.explainsGated.WithLabelValues("candidate")); v != 2 {
		t.Errorf("expected gated=2, got %v", v)
	}
}

func TestSetQPSAndBacklog(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetQPS("main", 12.5)
	c.SetBacklog("main", 4)

	if v := getGaugeValue(c.qpsGauge.WithLabelValues("main")); v != 12.5 {
		t.Errorf("expected qps=12.5, got %v", v)
	}
	if v := getGaugeValue(c.backlogGauge.WithLabelValues("main")); v != 4 {
		t.Errorf("expected backlog=4, got %v", v)
	}
}

func TestSetLifecycleState(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetLifecycleState(2)
	if v := getGaugeValue(c.lifecycleState); v != 2 {
		t.Errorf("expected lifecycle state=2, got %v", v)
	}
}

func TestSetReplicationLag(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetReplicationLag("replica1", 250*time.Millisecond)
	if v := getGaugeValue(c.replicationLag.WithLabelValues("replica1")); v != 0.25 {
		t.Errorf("expected lag=0.25s, got %v", v)
	}
}

func TestClientConnectionsIncDec(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 7; i++ {
		c.IncClientConnections()
	}
	if v := getGaugeValue(c.clientConnections); v != 7 {
		t.Errorf("expected client connections=7, got %v", v)
	}

	c.DecClientConnections()
	if v := getGaugeValue(c.clientConnections); v != 6 {
		t.Errorf("expected client connections=6, got %v", v)
	}
}

func TestSetBackendHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetBackendHealth("main", true)
	if v := getGaugeValue(c.backendHealth.WithLabelValues("main")); v != 1 {
		t.Errorf("expected health=1 (healthy), got %v", v)
	}

	c.SetBackendHealth("main", false)
	if v := getGaugeValue(c.backendHealth.WithLabelValues("main")); v != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", v)
	}
}

func TestRemoveTarget(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RequestSent("candidate")
	c.ResponseCompleted("candidate", 10*time.Millisecond, false)
	c.SetBackendHealth("candidate", true)
	c.ChecksumMismatch("candidate")

	c.RemoveTarget("candidate")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "target" && l.GetValue() == "candidate" {
					t.Errorf("metric %s still has candidate label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleTargets(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RequestSent("main")
	c.RequestSent("candidate")
	c.RequestSent("candidate")

	if v := getCounterValue(c.requestsTotal.WithLabelValues("main")); v != 1 {
		t.Errorf("expected main requests=1, got %v", v)
	}
	if v := getCounterValue(c.requestsTotal.WithLabelValues("candidate")); v != 2 {
		t.Errorf("expected candidate requests=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.RequestSent("main")
	c2.RequestSent("main")
	c2.RequestSent("main")

	v1 := getCounterValue(c1.requestsTotal.WithLabelValues("main"))
	v2 := getCounterValue(c2.requestsTotal.WithLabelValues("main"))

	if v1 != 1 {
		t.Errorf("c1 expected requests=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected requests=2, got %v", v2)
	}
}
