// =============================================================================
// 文件: internal/session/session.go
// 描述: 会话公共定义 - 错误、统计回调、轮询粒度
// =============================================================================
package session

import (
	"fmt"
	"time"
)

// 错误定义
var (
	ErrHandshakeFailed   = fmt.Errorf("握手失败")
	ErrNegotiationFailed = fmt.Errorf("参数协商失败")
	ErrConnectionClosed  = fmt.Errorf("连接中断")
)

// AckPollInterval 稳态传输阶段的 ACK 轮询粒度
// 必须远小于重传超时，保证定时器到期能被及时发现
const AckPollInterval = 100 * time.Millisecond

// Recorder 会话统计回调，由 metrics 包实现
// 所有调用点做 nil 检查，传 nil 表示不记录
type Recorder interface {
	SessionStarted()
	SessionCompleted()
	SessionFailed()

	SegmentSent(bytes int)
	SegmentRetransmitted()
	AckReceived()

	SegmentRejected()
	DuplicateArrived()
	BytesDelivered(n int)
	MaxSizeChanged(size int)
}

// 日志级别: 0=error 1=info 2=debug
func logf(logLevel, level int, tag, format string, args ...interface{}) {
	if level > logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [%s] %s\n", prefix, time.Now().Format("15:04:05"), tag, fmt.Sprintf(format, args...))
}
