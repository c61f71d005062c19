// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 传输指标收集器 - 会话与段级统计
// =============================================================================
package metrics

import (
	"sync/atomic"
	"time"
)

// TransferMetrics 传输指标收集器
// 实现 session.Recorder，被会话控制流和 HTTP 抓取并发访问，全部用原子量
type TransferMetrics struct {
	// 会话统计
	sessionsStarted   uint64
	sessionsCompleted uint64
	sessionsFailed    uint64

	// 发送端统计
	segmentsSent   uint64
	bytesSent      uint64
	retransmits    uint64
	acksReceived   uint64

	// 接收端统计
	segmentsRejected uint64
	duplicates       uint64
	bytesDelivered   uint64

	// 自适应段大小当前值
	currentMaxSize int64

	startTime time.Time
}

// New 创建指标收集器
func New() *TransferMetrics {
	return &TransferMetrics{startTime: time.Now()}
}

// =============================================================================
// session.Recorder 实现
// =============================================================================

// SessionStarted 记录会话开始
func (m *TransferMetrics) SessionStarted() {
	atomic.AddUint64(&m.sessionsStarted, 1)
}

// SessionCompleted 记录会话正常结束
func (m *TransferMetrics) SessionCompleted() {
	atomic.AddUint64(&m.sessionsCompleted, 1)
}

// SessionFailed 记录会话失败
func (m *TransferMetrics) SessionFailed() {
	atomic.AddUint64(&m.sessionsFailed, 1)
}

// SegmentSent 记录一次首发数据段
func (m *TransferMetrics) SegmentSent(bytes int) {
	atomic.AddUint64(&m.segmentsSent, 1)
	if bytes > 0 {
		atomic.AddUint64(&m.bytesSent, uint64(bytes))
	}
}

// SegmentRetransmitted 记录一次超时重传
func (m *TransferMetrics) SegmentRetransmitted() {
	atomic.AddUint64(&m.retransmits, 1)
}

// AckReceived 记录一次推进窗口的累积确认
func (m *TransferMetrics) AckReceived() {
	atomic.AddUint64(&m.acksReceived, 1)
}

// SegmentRejected 记录一次拒收 (无效序列号或超长载荷)
func (m *TransferMetrics) SegmentRejected() {
	atomic.AddUint64(&m.segmentsRejected, 1)
}

// DuplicateArrived 记录一次已交付段的重复到达
func (m *TransferMetrics) DuplicateArrived() {
	atomic.AddUint64(&m.duplicates, 1)
}

// BytesDelivered 记录按序交付的字节数
func (m *TransferMetrics) BytesDelivered(n int) {
	if n > 0 {
		atomic.AddUint64(&m.bytesDelivered, uint64(n))
	}
}

// MaxSizeChanged 记录自适应段大小变化
func (m *TransferMetrics) MaxSizeChanged(size int) {
	atomic.StoreInt64(&m.currentMaxSize, int64(size))
}

// =============================================================================
// 读取方法
// =============================================================================

func (m *TransferMetrics) GetSessionsStarted() uint64   { return atomic.LoadUint64(&m.sessionsStarted) }
func (m *TransferMetrics) GetSessionsCompleted() uint64 { return atomic.LoadUint64(&m.sessionsCompleted) }
func (m *TransferMetrics) GetSessionsFailed() uint64    { return atomic.LoadUint64(&m.sessionsFailed) }
func (m *TransferMetrics) GetSegmentsSent() uint64      { return atomic.LoadUint64(&m.segmentsSent) }
func (m *TransferMetrics) GetBytesSent() uint64         { return atomic.LoadUint64(&m.bytesSent) }
func (m *TransferMetrics) GetRetransmits() uint64       { return atomic.LoadUint64(&m.retransmits) }
func (m *TransferMetrics) GetAcksReceived() uint64      { return atomic.LoadUint64(&m.acksReceived) }
func (m *TransferMetrics) GetSegmentsRejected() uint64  { return atomic.LoadUint64(&m.segmentsRejected) }
func (m *TransferMetrics) GetDuplicates() uint64        { return atomic.LoadUint64(&m.duplicates) }
func (m *TransferMetrics) GetBytesDelivered() uint64    { return atomic.LoadUint64(&m.bytesDelivered) }
func (m *TransferMetrics) GetCurrentMaxSize() int64     { return atomic.LoadInt64(&m.currentMaxSize) }

// GetUptime 运行时间
func (m *TransferMetrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetStats 汇总全部统计
func (m *TransferMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":             m.GetUptime().String(),
		"sessions_started":   m.GetSessionsStarted(),
		"sessions_completed": m.GetSessionsCompleted(),
		"sessions_failed":    m.GetSessionsFailed(),
		"segments_sent":      m.GetSegmentsSent(),
		"bytes_sent":         m.GetBytesSent(),
		"retransmits":        m.GetRetransmits(),
		"acks_received":      m.GetAcksReceived(),
		"segments_rejected":  m.GetSegmentsRejected(),
		"duplicates":         m.GetDuplicates(),
		"bytes_delivered":    m.GetBytesDelivered(),
		"current_max_size":   m.GetCurrentMaxSize(),
	}
}

// Reset 重置全部统计 (用于测试)
func (m *TransferMetrics) Reset() {
	atomic.StoreUint64(&m.sessionsStarted, 0)
	atomic.StoreUint64(&m.sessionsCompleted, 0)
	atomic.StoreUint64(&m.sessionsFailed, 0)
	atomic.StoreUint64(&m.segmentsSent, 0)
	atomic.StoreUint64(&m.bytesSent, 0)
	atomic.StoreUint64(&m.retransmits, 0)
	atomic.StoreUint64(&m.acksReceived, 0)
	atomic.StoreUint64(&m.segmentsRejected, 0)
	atomic.StoreUint64(&m.duplicates, 0)
	atomic.StoreUint64(&m.bytesDelivered, 0)
	atomic.StoreInt64(&m.currentMaxSize, 0)
	m.startTime = time.Now()
}
