package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions    prometheus.Gauge
	activeConnections prometheus.Gauge
	sessionsExpired   prometheus.Counter
	resumeTotal       *prometheus.CounterVec
	replayedMessages  prometheus.Counter
	rateLimitedTotal  prometheus.Counter

	historyAppends   prometheus.Counter
	historyEvictions *prometheus.CounterVec
	publishedEvents  *prometheus.CounterVec
	fanoutDeliveries prometheus.Counter

	outboxPending   prometheus.Gauge
	outboxSyncTotal *prometheus.CounterVec

	requestAttempts *prometheus.CounterVec
	requestRetries  prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	cacheFallbacks  prometheus.Counter

	reconnectAttempts prometheus.Counter
	heartbeatRTT      prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current session count, including disconnected sessions awaiting resume.",
				},
			),
			activeConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_connections",
					Help: "Current open websocket connections.",
				},
			),
			sessionsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions removed by the expiry sweep.",
				},
			),
			resumeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resume_total",
					Help: "Total reconnect requests by outcome.",
				},
				[]string{"outcome"},
			),
			replayedMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "replayed_messages_total",
					Help: "Total history entries replayed to resuming clients.",
				},
			),
			rateLimitedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rate_limited_total",
					Help: "Total inbound requests rejected by the rate limiter.",
				},
			),
			historyAppends: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "history_appends_total",
					Help: "Total entries appended to room history.",
				},
			),
			historyEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "history_evictions_total",
					Help: "Total history entries dropped by reason (capacity, age).",
				},
				[]string{"reason"},
			),
			publishedEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "published_events_total",
					Help: "Total room events published by event name.",
				},
				[]string{"event"},
			),
			fanoutDeliveries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "fanout_deliveries_total",
					Help: "Total room events written to live connections.",
				},
			),
			outboxPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "outbox_pending",
					Help: "Actions waiting to be synced.",
				},
			),
			outboxSyncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbox_sync_total",
					Help: "Total outbox sync attempts by status (success, failed, dead).",
				},
				[]string{"status"},
			),
			requestAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "request_attempts_total",
					Help: "Total HTTP request attempts by method and outcome.",
				},
				[]string{"method", "outcome"},
			),
			requestRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "request_retries_total",
					Help: "Total HTTP request retries.",
				},
			),
			cacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_lookups_total",
					Help: "Total cache lookups by result (hit, miss).",
				},
				[]string{"result"},
			),
			cacheFallbacks: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "cache_fallbacks_total",
					Help: "Total stale cache entries served while offline.",
				},
			),
			reconnectAttempts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "reconnect_attempts_total",
					Help: "Total client reconnect attempts.",
				},
			),
			heartbeatRTT: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "heartbeat_rtt_seconds",
					Help:    "Heartbeat round-trip time in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.activeConnections,
			m.sessionsExpired,
			m.resumeTotal,
			m.replayedMessages,
			m.rateLimitedTotal,
			m.historyAppends,
			m.historyEvictions,
			m.publishedEvents,
			m.fanoutDeliveries,
			m.outboxPending,
			m.outboxSyncTotal,
			m.requestAttempts,
			m.requestRetries,
			m.cacheLookups,
			m.cacheFallbacks,
			m.reconnectAttempts,
			m.heartbeatRTT,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetActiveConnections(count int) {
	getMetrics().activeConnections.Set(float64(count))
}

func RecordSessionsExpired(count int) {
	getMetrics().sessionsExpired.Add(float64(count))
}

// RecordResume counts a reconnect request outcome and the entries it replayed.
func RecordResume(outcome string, replayed int) {
	m := getMetrics()
	m.resumeTotal.WithLabelValues(outcome).Inc()
	m.replayedMessages.Add(float64(replayed))
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

func RecordHistoryAppend(evicted int) {
	m := getMetrics()
	m.historyAppends.Inc()
	if evicted > 0 {
		m.historyEvictions.WithLabelValues("capacity").Add(float64(evicted))
	}
}

func RecordHistorySweep(dropped int) {
	getMetrics().historyEvictions.WithLabelValues("age").Add(float64(dropped))
}

func RecordPublishedEvent(event string, deliveries int) {
	m := getMetrics()
	m.publishedEvents.WithLabelValues(event).Inc()
	m.fanoutDeliveries.Add(float64(deliveries))
}

func SetOutboxPending(count int) {
	getMetrics().outboxPending.Set(float64(count))
}

// RecordOutboxSync counts a sync attempt; status is success, failed or dead.
func RecordOutboxSync(status string) {
	getMetrics().outboxSyncTotal.WithLabelValues(status).Inc()
}

func RecordRequestAttempt(method, outcome string) {
	getMetrics().requestAttempts.WithLabelValues(method, outcome).Inc()
}

func RecordRequestRetry() {
	getMetrics().requestRetries.Inc()
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().cacheLookups.WithLabelValues(result).Inc()
}

func RecordCacheFallback() {
	getMetrics().cacheFallbacks.Inc()
}

func RecordReconnectAttempt() {
	getMetrics().reconnectAttempts.Inc()
}

func RecordHeartbeatRTT(rtt time.Duration) {
	getMetrics().heartbeatRTT.Observe(rtt.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
