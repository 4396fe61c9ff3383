package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for DatagramsDropped.
const (
	ReasonDecode = "decode"
	ReasonRead   = "read"
)

var (
	// Ingest
	DatagramsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_datagrams_received_total",
		Help: "Total number of datagrams read from the socket",
	})
	DatagramBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_datagram_bytes_total",
		Help: "Total payload bytes read from the socket",
	})
	DatagramsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacenose_datagrams_dropped_total",
		Help: "Datagrams discarded before dispatch, by reason",
	}, []string{"reason"})
	ReadingsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_readings_dispatched_total",
		Help: "Readings accepted by the dispatcher",
	})
	LastReadingTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spacenose_last_reading_timestamp_seconds",
		Help: "Receiver timestamp of the latest reading",
	})

	// Persistence
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_persist_failures_total",
		Help: "Readings the persistence gateway failed to write",
	})
	PersistDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_persist_dropped_total",
		Help: "Readings dropped because the persistence queue was full",
	})
	PersistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spacenose_persist_duration_seconds",
		Help:    "Duration of persistence gateway writes",
		Buckets: prometheus.DefBuckets,
	})
	DBBatchFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_db_batch_flush_total",
		Help: "Total number of database batch flushes",
	})
	DBBatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spacenose_db_batch_size",
		Help: "Size of the last flushed batch",
	})

	// Fan-out
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spacenose_subscribers",
		Help: "Currently registered subscribers",
	})
	SubscriberEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_subscriber_evictions_total",
		Help: "Subscribers removed after a failed or timed out write",
	})
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacenose_broadcast_dropped_total",
		Help: "Payloads dropped because the broadcast queue was full",
	})
	BroadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spacenose_broadcast_duration_seconds",
		Help:    "Time to deliver one payload to every subscriber",
		Buckets: prometheus.DefBuckets,
	})

	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacenose_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"code"})
	HTTPRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spacenose_http_request_duration_seconds",
		Help:    "Duration of HTTP request handling",
		Buckets: prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

func init() {
	InitMetrics()
}

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DatagramsReceived,
			DatagramBytes,
			DatagramsDropped,
			ReadingsDispatched,
			LastReadingTimestamp,
			PersistFailures,
			PersistDropped,
			PersistDuration,
			DBBatchFlushTotal,
			DBBatchSize,
			Subscribers,
			SubscriberEvictions,
			BroadcastDropped,
			BroadcastDuration,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDatagram counts one datagram of n bytes.
func ObserveDatagram(n int) {
	DatagramsReceived.Inc()
	DatagramBytes.Add(float64(n))
}

// ObserveDispatch records an accepted reading.
func ObserveDispatch(ts time.Time) {
	ReadingsDispatched.Inc()
	LastReadingTimestamp.Set(float64(ts.UnixNano()) / float64(time.Second))
}

// ObservePersist records one gateway write.
func ObservePersist(d time.Duration, err error) {
	PersistDuration.Observe(d.Seconds())
	if err != nil {
		PersistFailures.Inc()
	}
}

// RecordDBBatchFlush tracks a completed database batch flush.
func RecordDBBatchFlush(size int) {
	DBBatchFlushTotal.Inc()
	DBBatchSize.Set(float64(size))
}
