package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestStepAndProviderMetrics(t *testing.T) {
	m := New()

	m.ObserveStep("background_removal", "completed", 3*time.Second)
	m.ObserveStep("background_removal", "error", time.Second)
	m.ObserveProviderCall("removeBackground", "retryable_error", 200*time.Millisecond)
	m.IncProviderRetry("removeBackground")
	m.AddProviderCost(0.0025)
	m.AddProviderCost(-1)
	m.IncRehostFallback("mask")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	steps := findMetric(t, families, "studio_workflow_steps_total")
	if steps == nil || len(steps.GetMetric()) != 2 {
		t.Fatalf("expected two step series")
	}

	cost := findMetric(t, families, "studio_provider_cost_total")
	if cost == nil {
		t.Fatalf("expected cost metric")
	}
	if got := cost.GetMetric()[0].GetCounter().GetValue(); got != 0.0025 {
		t.Fatalf("expected cost 0.0025, got %v", got)
	}

	retries := findMetric(t, families, "studio_provider_retries_total")
	if retries == nil || retries.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one retry")
	}
}

func TestActiveStepsGauge(t *testing.T) {
	m := New()
	m.IncActiveSteps()
	m.IncActiveSteps()
	m.DecActiveSteps()

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	active := findMetric(t, families, "studio_workflow_active_steps")
	if active == nil || active.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatalf("expected active steps = 1")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStep("upload", "completed", time.Second)
	m.IncProviderRetry("inpainting")
	m.AddStaleRecords(3)
	m.IncProgressEvent("published")
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IncStorageOp("upload", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "studio_storage_operations_total") {
		t.Fatalf("expected storage metric in output")
	}
}
