package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot as JSON: per-step saga counters and
// latencies, breaker trips by dependency, and rate limit waits.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}
