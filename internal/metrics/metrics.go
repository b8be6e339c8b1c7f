// Package metrics provides Prometheus metrics for buddymirror storage nodes.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all buddymirror metrics.
var Registry = prometheus.NewRegistry()

// Metrics holds all Prometheus metrics for one storage node. A nil *Metrics
// is valid and records nothing, so components can run without metrics in
// tests.
type Metrics struct {
	// Resync job progress, labeled by local target
	ResyncJobStatus   *prometheus.GaugeVec
	ResyncFilesSynced *prometheus.CounterVec
	ResyncDirsSynced  *prometheus.CounterVec
	ResyncErrors      *prometheus.CounterVec // labels: target, kind
	ResyncBytesSent   *prometheus.CounterVec

	// Chunk lock store
	ChunkLocksHeld *prometheus.GaugeVec

	// Transport
	Messages    *prometheus.CounterVec // labels: type, direction
	CommRetries *prometheus.CounterVec // labels: op
	AcksPending prometheus.Gauge

	// Work queues
	WorkqueueRetries prometheus.Counter
	WorkqueueDepth   *prometheus.GaugeVec // labels: queue
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given node ID as a constant label.
func InitMetrics(nodeID string) *Metrics {
	constLabels := prometheus.Labels{
		"node": nodeID,
	}
	factory := promauto.With(Registry)

	return &Metrics{
		ResyncJobStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "buddymirror_resync_job_status",
			Help:        "Current resync job status per target (0=not started, 1=running, 2=success, 3=interrupted, 4=failure, 5=errors)",
			ConstLabels: constLabels,
		}, []string{"target"}),
		ResyncFilesSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_resync_files_synced_total",
			Help:        "Chunk files transferred to the buddy target",
			ConstLabels: constLabels,
		}, []string{"target"}),
		ResyncDirsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_resync_dirs_synced_total",
			Help:        "Chunk directories reconciled against the buddy target",
			ConstLabels: constLabels,
		}, []string{"target"}),
		ResyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_resync_errors_total",
			Help:        "Resync items that ended with an error",
			ConstLabels: constLabels,
		}, []string{"target", "kind"}),
		ResyncBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_resync_bytes_sent_total",
			Help:        "Chunk payload bytes sent during resync",
			ConstLabels: constLabels,
		}, []string{"target"}),
		ChunkLocksHeld: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "buddymirror_chunk_locks_held",
			Help:        "Chunks currently locked per target",
			ConstLabels: constLabels,
		}, []string{"target"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_messages_total",
			Help:        "Protocol messages by type and direction",
			ConstLabels: constLabels,
		}, []string{"type", "direction"}),
		CommRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "buddymirror_comm_retries_total",
			Help:        "Communication retries by operation",
			ConstLabels: constLabels,
		}, []string{"op"}),
		AcksPending: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "buddymirror_acks_pending",
			Help:        "Datagram acknowledgments still awaited",
			ConstLabels: constLabels,
		}),
		WorkqueueRetries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "buddymirror_workqueue_retries_total",
			Help:        "Retry descriptors scheduled by the retry scheduler",
			ConstLabels: constLabels,
		}),
		WorkqueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "buddymirror_workqueue_depth",
			Help:        "Queued work items per queue",
			ConstLabels: constLabels,
		}, []string{"queue"}),
	}
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func targetLabel(targetID uint16) string {
	return strconv.FormatUint(uint64(targetID), 10)
}

func (m *Metrics) SetJobStatus(targetID uint16, status uint8) {
	if m == nil {
		return
	}
	m.ResyncJobStatus.WithLabelValues(targetLabel(targetID)).Set(float64(status))
}

func (m *Metrics) FileSynced(targetID uint16) {
	if m == nil {
		return
	}
	m.ResyncFilesSynced.WithLabelValues(targetLabel(targetID)).Inc()
}

func (m *Metrics) DirSynced(targetID uint16) {
	if m == nil {
		return
	}
	m.ResyncDirsSynced.WithLabelValues(targetLabel(targetID)).Inc()
}

func (m *Metrics) ResyncError(targetID uint16, kind string) {
	if m == nil {
		return
	}
	m.ResyncErrors.WithLabelValues(targetLabel(targetID), kind).Inc()
}

func (m *Metrics) BytesSent(targetID uint16, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ResyncBytesSent.WithLabelValues(targetLabel(targetID)).Add(float64(n))
}

func (m *Metrics) SetLocksHeld(targetID uint16, n int) {
	if m == nil {
		return
	}
	m.ChunkLocksHeld.WithLabelValues(targetLabel(targetID)).Set(float64(n))
}

func (m *Metrics) Message(msgType, direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) CommRetry(op string) {
	if m == nil {
		return
	}
	m.CommRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetAcksPending(n int) {
	if m == nil {
		return
	}
	m.AcksPending.Set(float64(n))
}

func (m *Metrics) WorkRetried() {
	if m == nil {
		return
	}
	m.WorkqueueRetries.Inc()
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.WorkqueueDepth.WithLabelValues(queue).Set(float64(n))
}
