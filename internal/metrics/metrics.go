// Package metrics collects lightweight process counters and serves them as
// JSON. Deliberately dependency-free: counters are atomic, no registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Collector accumulates HTTP and dispatch counters. All methods are safe for
// concurrent use and for nil receivers, so wiring metrics stays optional.
type Collector struct {
	start time.Time

	requests      atomic.Int64
	requestErrors atomic.Int64
	latencyMicros atomic.Int64

	dispatches           atomic.Int64
	accepted             atomic.Int64
	failed               atomic.Int64
	suppressedDuplicate  atomic.Int64
	suppressedPreference atomic.Int64
	deferred             atomic.Int64
}

func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// Middleware counts requests, 5xx responses and cumulative latency.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		c.requests.Add(1)
		c.latencyMicros.Add(time.Since(start).Microseconds())
		if ww.Status() >= http.StatusInternalServerError {
			c.requestErrors.Add(1)
		}
	})
}

// ObserveDispatch records the outcome counts of one dispatch run.
func (c *Collector) ObserveDispatch(accepted, failed, duplicate, preference, deferred int) {
	if c == nil {
		return
	}
	c.dispatches.Add(1)
	c.accepted.Add(int64(accepted))
	c.failed.Add(int64(failed))
	c.suppressedDuplicate.Add(int64(duplicate))
	c.suppressedPreference.Add(int64(preference))
	c.deferred.Add(int64(deferred))
}

// Snapshot is the shape served at /metrics.
type Snapshot struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	Requests         int64 `json:"requests"`
	RequestErrors    int64 `json:"request_errors"`
	AvgLatencyMicros int64 `json:"avg_latency_us"`

	Dispatches           int64 `json:"dispatches"`
	Accepted             int64 `json:"accepted"`
	Failed               int64 `json:"failed"`
	SuppressedDuplicate  int64 `json:"suppressed_duplicate"`
	SuppressedPreference int64 `json:"suppressed_preference"`
	Deferred             int64 `json:"deferred"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	reqs := c.requests.Load()
	var avg int64
	if reqs > 0 {
		avg = c.latencyMicros.Load() / reqs
	}
	return Snapshot{
		UptimeSeconds:        int64(time.Since(c.start).Seconds()),
		Requests:             reqs,
		RequestErrors:        c.requestErrors.Load(),
		AvgLatencyMicros:     avg,
		Dispatches:           c.dispatches.Load(),
		Accepted:             c.accepted.Load(),
		Failed:               c.failed.Load(),
		SuppressedDuplicate:  c.suppressedDuplicate.Load(),
		SuppressedPreference: c.suppressedPreference.Load(),
		Deferred:             c.deferred.Load(),
	}
}
