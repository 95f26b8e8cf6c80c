package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_RendersPrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("test_total", "A counter", `status="ok"`).Add(3)
	c.Gauge("test_gauge", "A gauge", "").Set(7)
	h := c.Histogram("test_seconds", "A histogram", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE test_total counter",
		`test_total{status="ok"} 3`,
		"test_gauge 7",
		`test_seconds_bucket{le="0.1"} 1`,
		`test_seconds_bucket{le="1"} 1`,
		`test_seconds_bucket{le="+Inf"} 2`,
		"test_seconds_count 2",
		"cmdgate_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestCollector_SameKeySameMetric(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `k="v"`)
	b := c.Counter("x_total", "x", `k="v"`)
	a.Inc()
	b.Inc()
	if a != b || a.Value() != 2 {
		t.Fatalf("expected one shared counter with value 2, got %d", a.Value())
	}
}

func TestSubmissions_LabelsByStatus(t *testing.T) {
	executed := Submissions("executed", "matched_rule")
	before := executed.Value()
	executed.Inc()
	if Submissions("executed", "matched_rule").Value() != before+1 {
		t.Fatal("labelled counter should be shared across lookups")
	}
	if Submissions("rejected", "matched_rule") == executed {
		t.Fatal("different labels must be different counters")
	}
}
