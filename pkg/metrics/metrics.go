// Package metrics exposes the bridge's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, which lets components run without metrics
// in tests and tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lorawan_bridge"

// Metrics groups the collectors updated by the subscriber, decoder and harvester.
type Metrics struct {
	uplinks         *prometheus.CounterVec
	recordsEnqueued prometheus.Counter
	decodeFailures  *prometheus.CounterVec
	unknownKeys     prometheus.Counter
	recordsRejected *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	sinkBatches     *prometheus.CounterVec
	sinkRecords     prometheus.Counter
	sinkLatency     prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uplinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "MQTT messages received, by topic class.",
		}, []string{"class"}),
		recordsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Sensor records pushed onto the harvester queue.",
		}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Uplinks that produced no records because of a payload error.",
		}, []string{"reason"}),
		unknownKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_sensor_keys_total",
			Help:      "Payload keys skipped because they are not in the type map.",
		}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Decoded records that were not queued.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_connects_total",
			Help:      "Successful connections to the MQTT broker, including reconnects.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the MQTT client holds a broker connection.",
		}),
		sinkBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_batches_total",
			Help:      "Batches handed to the sink, by result.",
		}, []string{"result"}),
		sinkRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_records_total",
			Help:      "Records successfully delivered to the sink.",
		}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_send_seconds",
			Help:      "Time spent delivering one batch to the sink.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	reg.MustRegister(
		m.uplinks, m.recordsEnqueued, m.decodeFailures, m.unknownKeys, m.recordsRejected,
		m.reconnects, m.connected, m.sinkBatches, m.sinkRecords, m.sinkLatency,
	)
	return m
}

// QueueStats is satisfied by queue.RecordQueue.
type QueueStats interface {
	Len() int
	Cap() int
	Dropped() int64
}

// RegisterQueue exposes queue depth, capacity and drops as scrape-time gauges.
func RegisterQueue(reg prometheus.Registerer, q QueueStats) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records waiting in the harvester queue.",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity",
			Help:      "Configured harvester queue capacity.",
		}, func() float64 { return float64(q.Cap()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Records rejected by the queue capacity policy.",
		}, func() float64 { return float64(q.Dropped()) }),
	)
}

func (m *Metrics) MessageReceived(class string) {
	if m == nil {
		return
	}
	m.uplinks.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordsEnqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsEnqueued.Add(float64(n))
}

func (m *Metrics) DecodeFailed(reason string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnknownKey() {
	if m == nil {
		return
	}
	m.unknownKeys.Inc()
}

func (m *Metrics) RecordsRejected(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsRejected.WithLabelValues(reason).Add(float64(n))
}

// Connected records a successful (re)connection.
func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
	m.connected.Set(1)
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.connected.Set(0)
}

// SinkFlushed records the outcome of one sink delivery.
func (m *Metrics) SinkFlushed(n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.sinkLatency.Observe(took.Seconds())
	if err != nil {
		m.sinkBatches.WithLabelValues("error").Inc()
		return
	}
	m.sinkBatches.WithLabelValues("ok").Inc()
	m.sinkRecords.Add(float64(n))
}
