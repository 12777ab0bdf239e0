package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "myolink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	linkPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Packets framed from the dongle byte stream, by kind.",
		},
		[]string{"kind"},
	)
	linkResyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "link",
			Name:      "resync_bytes_total",
			Help:      "Bytes discarded while waiting for a valid header.",
		},
	)
	linkBacklogDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "link",
			Name:      "backlog_drops_total",
			Help:      "Receive backlog discards triggered by the high-water mark.",
		},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Handler failures isolated during event dispatch.",
		},
		[]string{"bus"},
	)
	decodedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "device",
			Name:      "events_total",
			Help:      "Decoded device notifications, by event type.",
		},
		[]string{"type"},
	)
	decodeDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "device",
			Name:      "decode_drops_total",
			Help:      "Notifications dropped during decode, by reason.",
		},
		[]string{"reason"},
	)
	classifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "pipeline",
			Name:      "classifications_total",
			Help:      "Samples passed to the classifier.",
		},
	)
	decisionChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "pipeline",
			Name:      "decision_changes_total",
			Help:      "Published gesture decision changes, by new label.",
		},
		[]string{"label"},
	)
	storedSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "store",
			Name:      "samples_total",
			Help:      "Labeled samples accepted into the persistence buffer, by class.",
		},
		[]string{"class"},
	)
	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "store",
			Name:      "flushes_total",
			Help:      "Per-class buffer flushes, by outcome.",
		},
		[]string{"class", "success"},
	)
	telemetrySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "myolink",
			Subsystem: "telemetry",
			Name:      "datagrams_total",
			Help:      "Telemetry datagrams sent, by outcome.",
		},
		[]string{"success"},
	)
	telemetryTick = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "myolink",
			Subsystem: "telemetry",
			Name:      "tick_work_seconds",
			Help:      "Time spent producing and sending one telemetry datagram.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkPackets, linkResyncBytes, linkBacklogDrops,
			handlerFailures, decodedEvents, decodeDrops,
			classifications, decisionChanges,
			storedSamples, flushes,
			telemetrySends, telemetryTick,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacket(event bool) {
	RegisterMetrics()
	kind := "response"
	if event {
		kind = "event"
	}
	linkPackets.WithLabelValues(kind).Inc()
}

func RecordResync(n int) {
	RegisterMetrics()
	linkResyncBytes.Add(float64(n))
}

func RecordBacklogDrop() {
	RegisterMetrics()
	linkBacklogDrops.Inc()
}

func RecordHandlerFailure(bus string) {
	RegisterMetrics()
	handlerFailures.WithLabelValues(bus).Inc()
}

func RecordDecoded(eventType string) {
	RegisterMetrics()
	decodedEvents.WithLabelValues(eventType).Inc()
}

func RecordDecodeDrop(reason string) {
	RegisterMetrics()
	decodeDrops.WithLabelValues(reason).Inc()
}

func RecordClassification() {
	RegisterMetrics()
	classifications.Inc()
}

func RecordDecisionChange(label int) {
	RegisterMetrics()
	decisionChanges.WithLabelValues(strconv.Itoa(label)).Inc()
}

func RecordStored(class int) {
	RegisterMetrics()
	storedSamples.WithLabelValues(strconv.Itoa(class)).Inc()
}

func RecordFlush(class int, success bool) {
	RegisterMetrics()
	flushes.WithLabelValues(strconv.Itoa(class), strconv.FormatBool(success)).Inc()
}

func RecordTelemetrySend(success bool, work time.Duration) {
	RegisterMetrics()
	telemetrySends.WithLabelValues(strconv.FormatBool(success)).Inc()
	telemetryTick.Observe(work.Seconds())
}
