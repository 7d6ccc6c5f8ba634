package bridge

import (
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds the process's bridge counters, backed by a VictoriaMetrics
// metrics.Set the same way pkg/api/api0's apiMetrics does, scaled down to the
// handful of series a tunnel process actually needs.
type Metrics struct {
	set *metrics.Set

	FlowsOpened *metrics.Counter
	FlowsClosed *metrics.Counter

	BytesIn  *metrics.Counter
	BytesOut *metrics.Counter

	FramingErrors *metrics.Counter
}

// NewMetrics registers a fresh set of tunnelbridge_* series. label is either
// "host" or "instance" and is attached to every series so a single /metrics
// endpoint can distinguish the two roles if both run in the same process.
func NewMetrics(role string) *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set:           set,
		FlowsOpened:   set.NewCounter(`tunnelbridge_flows_opened_total{role="` + role + `"}`),
		FlowsClosed:   set.NewCounter(`tunnelbridge_flows_closed_total{role="` + role + `"}`),
		BytesIn:       set.NewCounter(`tunnelbridge_bytes_in_total{role="` + role + `"}`),
		BytesOut:      set.NewCounter(`tunnelbridge_bytes_out_total{role="` + role + `"}`),
		FramingErrors: set.NewCounter(`tunnelbridge_framing_errors_total{role="` + role + `"}`),
	}
	return m
}

// WritePrometheus writes this set's series, plus Go process metrics, in the
// Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	metrics.WriteProcessMetrics(w)
	m.set.WritePrometheus(w)
}

// ListenAndServe starts a bare /metrics HTTP endpoint on addr. It blocks
// until the listener fails or the process exits; callers typically run it in
// its own goroutine.
func (m *Metrics) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
	return http.ListenAndServe(addr, mux)
}
