package server

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// sample is one line of the Prometheus text exposition
type sample struct {
	name   string
	help   string
	kind   string
	labels map[string]string
	value  float64
}

// handleMetrics exports process counters in Prometheus text format so
// external tools (Grafana, Prometheus, etc.) can scrape the server.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (a *App) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := a.pipeline.Stats()
	sweeps := a.sweeper.Monitor().Status()

	healthy := 0.0
	if sweeps.Healthy {
		healthy = 1
	}

	samples := []sample{
		{name: "minerstats_readings_total", help: "Readings by pipeline outcome", kind: "counter",
			labels: map[string]string{"outcome": "ingested"}, value: float64(stats.Ingested)},
		{name: "minerstats_readings_total", help: "Readings by pipeline outcome", kind: "counter",
			labels: map[string]string{"outcome": "skipped"}, value: float64(stats.Skipped)},
		{name: "minerstats_readings_total", help: "Readings by pipeline outcome", kind: "counter",
			labels: map[string]string{"outcome": "failed"}, value: float64(stats.Failed)},
		{name: "minerstats_trigger_failures_total", help: "Write triggers that returned an error", kind: "counter",
			value: float64(a.triggered.Failures())},
		{name: "minerstats_retention_sweeps_total", help: "Retention sweeps attempted", kind: "counter",
			value: float64(sweeps.Sweeps)},
		{name: "minerstats_retention_deleted_total", help: "Buckets deleted by retention", kind: "counter",
			value: float64(sweeps.Deleted)},
		{name: "minerstats_retention_healthy", help: "1 while retention sweeps succeed", kind: "gauge",
			value: healthy},
		{name: "minerstats_live_clients", help: "Connected websocket clients", kind: "gauge",
			value: float64(a.hub.Clients())},
		{name: "minerstats_live_dropped_total", help: "Latest values dropped by a full broadcast queue", kind: "counter",
			value: float64(a.hub.Dropped())},
	}

	if a.usage != nil {
		if used, err := a.usage.GetUsage(); err == nil {
			samples = append(samples, sample{
				name: "minerstats_storage_bytes", help: "Bytes used by the data directory", kind: "gauge",
				value: float64(used),
			})
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeSamples(w, samples)
}

// writeSamples writes samples grouped by metric family in first-seen order
func writeSamples(w io.Writer, samples []sample) {
	seen := make(map[string]bool)
	for _, s := range samples {
		if !seen[s.name] {
			if len(seen) > 0 {
				fmt.Fprintln(w)
			}
			seen[s.name] = true
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		}
		fmt.Fprintf(w, "%s%s %v\n", s.name, formatPrometheusLabels(s.labels), s.value)
	}
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	// Sort keys for deterministic output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double-quote and line feed
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
