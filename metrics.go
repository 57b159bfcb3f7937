package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"bookstr/internal/types"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Relay metrics
var (
	relayRetriesTotal  atomic.Int64
	relayStatusChanges atomic.Int64
)

// Notification cursor metrics
var (
	notifMarkReadTotal  atomic.Int64
	notifMarkReadFailed atomic.Int64
)

var serverStartTime = time.Now()

// writeMetric writes one HELP/TYPE/value block
func writeMetric(w http.ResponseWriter, name, typ, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %v\n\n", name, value)
}

// metricsHandler serves Prometheus-compatible metrics
func (a *app) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP bookstr_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE bookstr_build_info gauge\n")
	fmt.Fprintf(w, "bookstr_build_info{notif_store=%q,signer=%q,go_version=%q} 1\n\n", a.storeType, a.signerType, runtime.Version())

	writeMetric(w, "process_start_time_seconds", "gauge", "Unix timestamp of process start", serverStartTime.Unix())
	writeMetric(w, "process_uptime_seconds", "gauge", "Time since process started", int64(time.Since(serverStartTime).Seconds()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	writeMetric(w, "go_goroutines", "gauge", "Number of active goroutines", runtime.NumGoroutine())
	writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Currently allocated memory in bytes", memStats.Alloc)
	writeMetric(w, "go_gc_cycles_total", "counter", "Number of completed GC cycles", memStats.NumGC)

	writeMetric(w, "http_requests_total", "counter", "Total number of HTTP requests", httpRequestsTotal.Load())
	writeMetric(w, "http_errors_total", "counter", "Total number of HTTP 5xx errors", httpErrorsTotal.Load())

	// Relay pool
	endpoints := a.pool.Endpoints()
	connected := 0
	for _, ep := range endpoints {
		if ep.Status == types.StatusConnected {
			connected++
		}
	}
	writeMetric(w, "nostr_relays_configured", "gauge", "Number of configured relays", len(endpoints))
	writeMetric(w, "nostr_relays_connected", "gauge", "Number of connected relays", connected)
	writeMetric(w, "nostr_relay_retries_total", "counter", "Reconnect attempts scheduled", relayRetriesTotal.Load())
	writeMetric(w, "nostr_relay_status_changes_total", "counter", "Relay status transitions", relayStatusChanges.Load())

	if len(endpoints) > 0 {
		fmt.Fprintf(w, "# HELP nostr_relay_connected Whether relay is connected (1) or not (0)\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_connected gauge\n")
		for _, ep := range endpoints {
			up := 0
			if ep.Status == types.StatusConnected {
				up = 1
			}
			fmt.Fprintf(w, "nostr_relay_connected{relay=%q} %d\n", ep.URL, up)
		}
		fmt.Fprintf(w, "\n")

		fmt.Fprintf(w, "# HELP nostr_relay_consecutive_failures Failed dials since the last success\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_consecutive_failures gauge\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "nostr_relay_consecutive_failures{relay=%q} %d\n", ep.URL, ep.ConsecutiveFailures)
		}
		fmt.Fprintf(w, "\n")
	}

	// Subscriptions and publishes
	subs := a.manager.Stats()
	writeMetric(w, "nostr_events_received_total", "counter", "Events received from relays", subs.Received)
	writeMetric(w, "nostr_events_invalid_total", "counter", "Events dropped for a bad id or signature", subs.Invalid)
	writeMetric(w, "nostr_events_unmatched_total", "counter", "Events dropped for not matching their filter", subs.Unmatched)
	writeMetric(w, "nostr_events_delivered_total", "counter", "Events delivered to subscriptions", subs.Delivered)
	writeMetric(w, "nostr_subscriptions_active", "gauge", "Open subscriptions", subs.ActiveSubs)
	writeMetric(w, "nostr_publish_ok_total", "counter", "Publishes accepted by at least one relay", subs.PublishOK)
	writeMetric(w, "nostr_publish_failed_total", "counter", "Publishes rejected, timed out or unsent", subs.PublishFailed)
	writeMetric(w, "nostr_publish_pending", "gauge", "Publishes waiting for OK", subs.PendingPublish)

	// Event cache
	cache := a.cache.Stats()
	writeMetric(w, "event_cache_size", "gauge", "Events held in the cache", cache.Size)
	writeMetric(w, "event_cache_admitted_total", "counter", "First admissions", cache.Admitted)
	writeMetric(w, "event_cache_duplicates_total", "counter", "Duplicate deliveries collapsed", cache.Duplicates)
	writeMetric(w, "event_cache_evicted_total", "counter", "Entries evicted by horizon or capacity", cache.Evicted)

	var dupRatio float64
	if total := cache.Admitted + cache.Duplicates; total > 0 {
		dupRatio = float64(cache.Duplicates) / float64(total)
	}
	fmt.Fprintf(w, "# HELP event_cache_duplicate_ratio Share of deliveries that were duplicates (0-1)\n")
	fmt.Fprintf(w, "# TYPE event_cache_duplicate_ratio gauge\n")
	fmt.Fprintf(w, "event_cache_duplicate_ratio %.4f\n\n", dupRatio)

	writeMetric(w, "notif_mark_read_total", "counter", "Mark-as-read calls", notifMarkReadTotal.Load())
	writeMetric(w, "notif_mark_read_failed_total", "counter", "Mark-as-read calls that failed to persist", notifMarkReadFailed.Load())
}

type healthResponse struct {
	Status    types.RelayStatus     `json:"status"`
	Relays    []types.RelayEndpoint `json:"relays"`
	Events    int                   `json:"events"`
	Timeline  int                   `json:"timeline"`
	UptimeSec int64                 `json:"uptime_seconds"`
}

// healthHandler reports the aggregate pool status. It answers 503 while no
// relay is connected; the cache and timeline keep serving regardless.
func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    a.pool.Status(),
		Relays:    a.pool.Endpoints(),
		Events:    a.cache.Len(),
		UptimeSec: int64(time.Since(serverStartTime).Seconds()),
	}
	if tl := a.timeline.Load(); tl != nil {
		resp.Timeline = tl.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != types.StatusConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
