// Copyright (c) OpenMMLab. All rights reserved.

package metrics

import (
	"net/http"
	"os"
	"time"

	"safewrite/logger"
	"safewrite/pkg/filelock"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

var (
	// Write counter
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safewrite_writes_total",
		Help: "Total number of safe file writes",
	}, []string{"status"})

	// Write latency histogram
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safewrite_write_duration_seconds",
		Help:    "Duration of atomic file writes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Lock wait latency histogram
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safewrite_lock_wait_seconds",
		Help:    "Time spent waiting for per-path file locks in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Lock lifecycle event counter
	LockEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safewrite_lock_events_total",
		Help: "Lock lifecycle events by type",
	}, []string{"type"})

	// Forced releases from the expiry sweep
	ForcedReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safewrite_forced_releases_total",
		Help: "Locks force-released after exceeding their own timeout",
	})
)

// ObserveWrite records one write outcome with its timing split.
func ObserveWrite(status string, writeTime, lockWait time.Duration) {
	WritesTotal.WithLabelValues(status).Inc()
	if writeTime > 0 {
		WriteDuration.Observe(writeTime.Seconds())
	}
	if lockWait > 0 {
		LockWaitDuration.Observe(lockWait.Seconds())
	}
}

// WatchLockEvents drains a lock manager's event stream into the
// collectors. Returns when the stream is closed by Destroy.
func WatchLockEvents(events <-chan filelock.Event) {
	for ev := range events {
		LockEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == filelock.EventReleased && ev.Forced {
			ForcedReleasesTotal.Inc()
		}
	}
}

// HTTP middleware (used for automatic metric collection)
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Request latency histogram
var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "safewrite_http_request_duration_seconds",
	Help:    "Duration of HTTP requests in seconds",
	Buckets: prometheus.DefBuckets,
}, []string{"path"})

func PushMetricsToGateway(pushgatewayUrl, jobName string, interval time.Duration) {
	if pushgatewayUrl == "" {
		logger.Logger.Error("Pushgateway URL not set, skipping metrics push")
		return
	}

	pusher := push.New(pushgatewayUrl, jobName).
		Collector(WritesTotal).
		Collector(WriteDuration).
		Collector(LockWaitDuration).
		Collector(LockEventsTotal).
		Collector(ForcedReleasesTotal).
		Collector(RequestDuration).
		Grouping("instance", getHostname())

	for {
		<-time.After(interval)
		if err := pusher.Push(); err != nil {
			logger.Logger.Error("Error pushing metrics", zap.Error(err))
		}
	}
}

func getHostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}

	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}

	if hostname := os.Getenv("HOST"); hostname != "" {
		return hostname
	}

	if data, err := os.ReadFile("/etc/hostname"); err == nil {
		return string(data)
	}

	return "unknown"
}
