package metrics

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
)

const eventsFamily = "livesession_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// PrometheusHandler serves the counters as a single labelled counter family
// in the text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = writeExposition(w, m.Snapshot())
	})
}

func writeExposition(w io.Writer, counters map[string]uint64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# HELP %s Relay and signaling event counters.\n", eventsFamily)
	fmt.Fprintf(bw, "# TYPE %s counter\n", eventsFamily)
	for _, name := range slices.Sorted(maps.Keys(counters)) {
		fmt.Fprintf(bw, "%s{event=\"%s\"} %d\n", eventsFamily, labelEscaper.Replace(name), counters[name])
	}
	return bw.Flush()
}
