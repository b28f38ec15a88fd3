package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler serves every counter in the Prometheus text format as one
// metric family keyed by an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		escape := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP videoroom_events_total Relay and call event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE videoroom_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "videoroom_events_total{event=\"%s\"} %d\n", escape.Replace(k), snap[k])
		}
	})
}
