package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/freequota/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookError("stripe", "auth_failed")

	deliveries := gather(t, reg, "test_subscriptions_webhook_deliveries_total")
	if got := deliveries.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("webhook deliveries = %v, want 2", got)
	}

	rejected := gather(t, reg, "test_subscriptions_webhook_rejections_total")
	if got := labelsOf(rejected.GetMetric()[0])["reason"]; got != "auth_failed" {
		t.Errorf("rejection reason = %q, want auth_failed", got)
	}
}

func TestMetrics_StagesShareHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookProcessingDuration("stripe", "invoice.paid", 20*time.Millisecond)
	m.RecordUserSyncDuration("stripe", 150*time.Millisecond)
	m.RecordAPICallDuration("stripe", "subscriptions.list", 80*time.Millisecond)

	mf := gather(t, reg, "test_subscriptions_stage_duration_seconds")
	if len(mf.GetMetric()) != 3 {
		t.Fatalf("series = %d, want 3", len(mf.GetMetric()))
	}
	stages := map[string]string{}
	for _, series := range mf.GetMetric() {
		labels := labelsOf(series)
		stages[labels["stage"]] = labels["target"]
		if got := series.GetHistogram().GetSampleCount(); got != 1 {
			t.Errorf("stage %s samples = %d, want 1", labels["stage"], got)
		}
	}
	want := map[string]string{
		stageWebhook: "invoice.paid",
		stageSync:    "",
		stageAPI:     "subscriptions.list",
	}
	for stage, target := range want {
		if got, ok := stages[stage]; !ok || got != target {
			t.Errorf("stage %s target = %q, want %q", stage, got, target)
		}
	}
}

func TestMetrics_StatusTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStatusChange("stripe", "active", "active")
	m.RecordStatusChange("stripe", "free", "active")

	mf := gather(t, reg, "test_subscriptions_status_transitions_total")
	if len(mf.GetMetric()) != 1 {
		t.Fatalf("series = %d, want 1", len(mf.GetMetric()))
	}
	labels := labelsOf(mf.GetMetric()[0])
	if labels["from"] != "free" || labels["to"] != "active" {
		t.Errorf("unexpected labels %v", labels)
	}
}

func TestMetrics_SyncAndRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordUserSync("stripe", "error")
	m.RecordAPICall("stripe", "subscriptions.list", "success")

	if got := gather(t, reg, "test_subscriptions_syncs_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("syncs = %v, want 1", got)
	}
	req := gather(t, reg, "test_subscriptions_provider_requests_total").GetMetric()[0]
	if labelsOf(req)["endpoint"] != "subscriptions.list" {
		t.Errorf("unexpected labels %v", labelsOf(req))
	}
}
