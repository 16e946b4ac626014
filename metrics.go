package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers poll loop and websocket counters.
type Collector struct {
	Polls          int64
	PollFailures   int64
	EmptyPolls     int64
	PollLatencySum int64 // nanoseconds
	PollLatencyMax int64
	LastRows       int64
	LastRejected   int64

	WSConnectionsActive int64
	WSMessagesIn        int64
	WSMessagesOut       int64

	StartTime  time.Time
	mu         sync.RWMutex
	lastPoll   time.Time
	lastStatus Status
}

func NewCollector() *Collector {
	return &Collector{StartTime: time.Now(), lastStatus: StatusPending}
}

// RecordPoll records one poll cycle.
func (c *Collector) RecordPoll(latency time.Duration, status Status, rows, rejected int) {
	atomic.AddInt64(&c.Polls, 1)
	atomic.AddInt64(&c.PollLatencySum, int64(latency))
	if int64(latency) > atomic.LoadInt64(&c.PollLatencyMax) {
		atomic.StoreInt64(&c.PollLatencyMax, int64(latency))
	}
	switch status {
	case StatusError:
		atomic.AddInt64(&c.PollFailures, 1)
	case StatusEmpty:
		atomic.AddInt64(&c.EmptyPolls, 1)
	}
	atomic.StoreInt64(&c.LastRows, int64(rows))
	atomic.StoreInt64(&c.LastRejected, int64(rejected))

	c.mu.Lock()
	c.lastPoll = time.Now()
	c.lastStatus = status
	c.mu.Unlock()
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	atomic.AddInt64(&c.WSConnectionsActive, delta)
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		atomic.AddInt64(&c.WSMessagesIn, 1)
	} else {
		atomic.AddInt64(&c.WSMessagesOut, 1)
	}
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.RLock()
	lastPoll, lastStatus := c.lastPoll, c.lastStatus
	c.mu.RUnlock()

	polls := atomic.LoadInt64(&c.Polls)
	var avgMs float64
	if polls > 0 {
		avgMs = float64(atomic.LoadInt64(&c.PollLatencySum)) / float64(polls) / 1e6
	}
	last := ""
	if !lastPoll.IsZero() {
		last = lastPoll.Format(time.RFC3339)
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),
		"poll": map[string]interface{}{
			"count":          polls,
			"failures":       atomic.LoadInt64(&c.PollFailures),
			"empty":          atomic.LoadInt64(&c.EmptyPolls),
			"avg_latency_ms": avgMs,
			"max_latency_ms": float64(atomic.LoadInt64(&c.PollLatencyMax)) / 1e6,
			"last_poll":      last,
			"last_status":    string(lastStatus),
			"rows":           atomic.LoadInt64(&c.LastRows),
			"rejected":       atomic.LoadInt64(&c.LastRejected),
		},
		"websocket": map[string]interface{}{
			"active_connections": atomic.LoadInt64(&c.WSConnectionsActive),
			"messages_in":        atomic.LoadInt64(&c.WSMessagesIn),
			"messages_out":       atomic.LoadInt64(&c.WSMessagesOut),
		},
	}
}

// Handler serves the JSON snapshot.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// PrometheusHandler returns metrics in Prometheus format.
func (c *Collector) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(w, "# HELP traffic_polls_total Total poll cycles\n")
		fmt.Fprintf(w, "# TYPE traffic_polls_total counter\n")
		fmt.Fprintf(w, "traffic_polls_total %d\n\n", atomic.LoadInt64(&c.Polls))
		fmt.Fprintf(w, "# HELP traffic_poll_failures_total Failed poll cycles\n")
		fmt.Fprintf(w, "# TYPE traffic_poll_failures_total counter\n")
		fmt.Fprintf(w, "traffic_poll_failures_total %d\n\n", atomic.LoadInt64(&c.PollFailures))
		fmt.Fprintf(w, "# HELP traffic_poll_empty_total Polls that returned no rows\n")
		fmt.Fprintf(w, "# TYPE traffic_poll_empty_total counter\n")
		fmt.Fprintf(w, "traffic_poll_empty_total %d\n\n", atomic.LoadInt64(&c.EmptyPolls))
		fmt.Fprintf(w, "# HELP traffic_poll_latency_max_ms Maximum poll latency\n")
		fmt.Fprintf(w, "# TYPE traffic_poll_latency_max_ms gauge\n")
		fmt.Fprintf(w, "traffic_poll_latency_max_ms %.2f\n\n", float64(atomic.LoadInt64(&c.PollLatencyMax))/1e6)
		fmt.Fprintf(w, "# HELP traffic_snapshot_rows Rows in the current snapshot\n")
		fmt.Fprintf(w, "# TYPE traffic_snapshot_rows gauge\n")
		fmt.Fprintf(w, "traffic_snapshot_rows %d\n\n", atomic.LoadInt64(&c.LastRows))
		fmt.Fprintf(w, "# HELP traffic_snapshot_rejected_rows Rows dropped by validation in the current snapshot\n")
		fmt.Fprintf(w, "# TYPE traffic_snapshot_rejected_rows gauge\n")
		fmt.Fprintf(w, "traffic_snapshot_rejected_rows %d\n\n", atomic.LoadInt64(&c.LastRejected))
		fmt.Fprintf(w, "# HELP traffic_ws_connections Active WebSocket connections\n")
		fmt.Fprintf(w, "# TYPE traffic_ws_connections gauge\n")
		fmt.Fprintf(w, "traffic_ws_connections %d\n\n", atomic.LoadInt64(&c.WSConnectionsActive))
		fmt.Fprintf(w, "# HELP traffic_ws_messages_total Total WebSocket messages\n")
		fmt.Fprintf(w, "# TYPE traffic_ws_messages_total counter\n")
		fmt.Fprintf(w, "traffic_ws_messages_total{direction=\"in\"} %d\n", atomic.LoadInt64(&c.WSMessagesIn))
		fmt.Fprintf(w, "traffic_ws_messages_total{direction=\"out\"} %d\n", atomic.LoadInt64(&c.WSMessagesOut))
	}
}
