package bridge

import (
	"bytes"
	"strings"
	"testing"
)

func TestMetricsCountersIncrement(t *testing.T) {
	m := NewMetrics("host")
	m.FlowsOpened.Inc()
	m.FlowsOpened.Inc()
	m.BytesIn.Add(512)

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	if !strings.Contains(out, `tunnelbridge_flows_opened_total{role="host"} 2`) {
		t.Errorf("expected flows_opened counter at 2, got:\n%s", out)
	}
	if !strings.Contains(out, `tunnelbridge_bytes_in_total{role="host"} 512`) {
		t.Errorf("expected bytes_in counter at 512, got:\n%s", out)
	}
}

func TestMetricsIndependentRoles(t *testing.T) {
	host := NewMetrics("host")
	instance := NewMetrics("instance")
	host.FlowsOpened.Inc()

	var buf bytes.Buffer
	instance.WritePrometheus(&buf)
	if strings.Contains(buf.String(), `role="host"`) {
		t.Error("instance metrics set should not include host-labeled series")
	}
}
