package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashmerge/credflow"
)

type fakeSource struct {
	snapshot credflow.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() credflow.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: credflow.MetricsSnapshot{
			Counters: map[credflow.MetricID]uint64{},
		},
		dropped: 0,
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderDeterministicCounters(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: credflow.MetricsSnapshot{
			Counters: map[credflow.MetricID]uint64{
				credflow.MetricLoginSuccess:         7,
				credflow.MetricRefreshReuseDetected: 1,
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	if !strings.Contains(out, "credflow_login_success_total 7") {
		t.Fatalf("expected login_success counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "credflow_refresh_reuse_detected_total 1") {
		t.Fatalf("expected reuse counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "credflow_audit_dropped_total 2") {
		t.Fatalf("expected audit dropped counter in output, got:\n%s", out)
	}

	// Absent counters still render, at zero.
	if !strings.Contains(out, "credflow_reset_confirmed_total 0") {
		t.Fatalf("expected zero-valued counter in output, got:\n%s", out)
	}

	if out != exp.Render() {
		t.Fatal("expected deterministic output across renders")
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: credflow.MetricsSnapshot{
			Counters: map[credflow.MetricID]uint64{
				credflow.MetricValidateSuccess: 3,
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "credflow_validate_success_total 3") {
		t.Fatalf("expected counter in body, got:\n%s", rec.Body.String())
	}
}

func TestRenderNilSafety(t *testing.T) {
	var exp *Exporter
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output from nil exporter, got %q", got)
	}
}
