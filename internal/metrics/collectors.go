// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransferCollector 传输指标的 Prometheus 收集器
type TransferCollector struct {
	metrics *TransferMetrics

	// 描述符
	sessionsStartedDesc   *prometheus.Desc
	sessionsCompletedDesc *prometheus.Desc
	sessionsFailedDesc    *prometheus.Desc
	segmentsSentDesc      *prometheus.Desc
	bytesSentDesc         *prometheus.Desc
	retransmitsDesc       *prometheus.Desc
	acksReceivedDesc      *prometheus.Desc
	segmentsRejectedDesc  *prometheus.Desc
	duplicatesDesc        *prometheus.Desc
	bytesDeliveredDesc    *prometheus.Desc
	currentMaxSizeDesc    *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewTransferCollector 创建收集器
func NewTransferCollector(m *TransferMetrics) *TransferCollector {
	namespace := "rdtp"
	subsystem := "transfer"

	return &TransferCollector{
		metrics: m,

		sessionsStartedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions_started_total"),
			"Total number of sessions started",
			nil, nil,
		),
		sessionsCompletedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions_completed_total"),
			"Total number of sessions completed successfully",
			nil, nil,
		),
		sessionsFailedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sessions_failed_total"),
			"Total number of sessions aborted with an error",
			nil, nil,
		),
		segmentsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_sent_total"),
			"Total number of first-transmission data segments",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total payload bytes sent (first transmissions)",
			nil, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmits_total"),
			"Total number of timeout retransmissions",
			nil, nil,
		),
		acksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_received_total"),
			"Total number of window-advancing cumulative acks",
			nil, nil,
		),
		segmentsRejectedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_rejected_total"),
			"Total number of segments dropped for invalid seq or oversize payload",
			nil, nil,
		),
		duplicatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicates_total"),
			"Total number of duplicate segment arrivals",
			nil, nil,
		),
		bytesDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_delivered_total"),
			"Total payload bytes delivered in order",
			nil, nil,
		),
		currentMaxSizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "current_max_segment_size"),
			"Current adaptive maximum segment size",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "uptime_seconds"),
			"Receiver uptime in seconds",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *TransferCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsStartedDesc
	ch <- c.sessionsCompletedDesc
	ch <- c.sessionsFailedDesc
	ch <- c.segmentsSentDesc
	ch <- c.bytesSentDesc
	ch <- c.retransmitsDesc
	ch <- c.acksReceivedDesc
	ch <- c.segmentsRejectedDesc
	ch <- c.duplicatesDesc
	ch <- c.bytesDeliveredDesc
	ch <- c.currentMaxSizeDesc
	ch <- c.uptimeDesc
}

// Collect 实现 prometheus.Collector
func (c *TransferCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics

	ch <- prometheus.MustNewConstMetric(c.sessionsStartedDesc,
		prometheus.CounterValue, float64(m.GetSessionsStarted()))
	ch <- prometheus.MustNewConstMetric(c.sessionsCompletedDesc,
		prometheus.CounterValue, float64(m.GetSessionsCompleted()))
	ch <- prometheus.MustNewConstMetric(c.sessionsFailedDesc,
		prometheus.CounterValue, float64(m.GetSessionsFailed()))
	ch <- prometheus.MustNewConstMetric(c.segmentsSentDesc,
		prometheus.CounterValue, float64(m.GetSegmentsSent()))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc,
		prometheus.CounterValue, float64(m.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc,
		prometheus.CounterValue, float64(m.GetRetransmits()))
	ch <- prometheus.MustNewConstMetric(c.acksReceivedDesc,
		prometheus.CounterValue, float64(m.GetAcksReceived()))
	ch <- prometheus.MustNewConstMetric(c.segmentsRejectedDesc,
		prometheus.CounterValue, float64(m.GetSegmentsRejected()))
	ch <- prometheus.MustNewConstMetric(c.duplicatesDesc,
		prometheus.CounterValue, float64(m.GetDuplicates()))
	ch <- prometheus.MustNewConstMetric(c.bytesDeliveredDesc,
		prometheus.CounterValue, float64(m.GetBytesDelivered()))
	ch <- prometheus.MustNewConstMetric(c.currentMaxSizeDesc,
		prometheus.GaugeValue, float64(m.GetCurrentMaxSize()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc,
		prometheus.GaugeValue, m.GetUptime().Seconds())
}
