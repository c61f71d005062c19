// =============================================================================
// 文件: internal/session/send_window.go
// 描述: 发送滑动窗口 - 未确认段缓冲 + 窗口指针 + 重传定时器
// =============================================================================
package session

import (
	"time"
)

// Segment 已编号的数据段
type Segment struct {
	Seq     int
	Payload string
}

// SendWindow 发送滑动窗口
//
// 不变量: base <= nextSeq <= base+size，outstanding 的键恰为 [base, nextSeq)。
// 序列号从 0 密集递增，键空间连续，map 加两个指针即可做到 O(1) 查找
// 和 O(窗口) 的按序扫描。
// 单控制流独占，不加锁。
type SendWindow struct {
	outstanding map[int]string // seq -> payload
	base        int            // 最小未确认序列号
	nextSeq     int            // 下一个待分配序列号
	size        int            // 窗口大小 (固定)

	// 重传定时器: 零值表示未启动，一个定时器管整个窗口
	timerStart time.Time
}

// NewSendWindow 创建发送窗口
func NewSendWindow(size int) *SendWindow {
	return &SendWindow{
		outstanding: make(map[int]string, size),
		size:        size,
	}
}

// Full 窗口是否已满
func (w *SendWindow) Full() bool {
	return w.nextSeq-w.base >= w.size
}

// Empty 窗口是否已排空 (无未确认段)
func (w *SendWindow) Empty() bool {
	return w.base == w.nextSeq
}

// Push 缓存下一个段并分配序列号
// 若该段是窗口内第一个未确认段，启动重传定时器
func (w *SendWindow) Push(payload string) int {
	seq := w.nextSeq
	w.outstanding[seq] = payload
	if w.base == seq {
		w.timerStart = time.Now()
	}
	w.nextSeq++
	return seq
}

// Ack 处理累积确认
//
// base <= ack < nextSeq 时推进窗口: base = ack+1，丢弃已覆盖的段，
// 仍有在途段则重置定时器，否则关闭定时器，返回 true。
// 过期确认 (ack < base) 和越界确认 (ack >= nextSeq) 一律忽略，返回 false。
func (w *SendWindow) Ack(ack int) bool {
	if ack < w.base || ack >= w.nextSeq {
		return false
	}

	for seq := w.base; seq <= ack; seq++ {
		delete(w.outstanding, seq)
	}
	w.base = ack + 1

	if w.Empty() {
		w.timerStart = time.Time{}
	} else {
		w.timerStart = time.Now()
	}
	return true
}

// Expired 定时器是否已启动且超时
func (w *SendWindow) Expired(timeout time.Duration) bool {
	return !w.timerStart.IsZero() && time.Since(w.timerStart) > timeout
}

// Rearm 重置定时器到当前时刻
func (w *SendWindow) Rearm() {
	w.timerStart = time.Now()
}

// Outstanding 按序列号升序返回 [base, nextSeq) 的全部在途段
// 超时重传用原缓冲字节原样重发，不按新的段大小重新切分
func (w *SendWindow) Outstanding() []Segment {
	segs := make([]Segment, 0, w.nextSeq-w.base)
	for seq := w.base; seq < w.nextSeq; seq++ {
		if payload, ok := w.outstanding[seq]; ok {
			segs = append(segs, Segment{Seq: seq, Payload: payload})
		}
	}
	return segs
}

// Base 最小未确认序列号
func (w *SendWindow) Base() int { return w.base }

// NextSeq 下一个待分配序列号
func (w *SendWindow) NextSeq() int { return w.nextSeq }

// InFlight 在途段数量
func (w *SendWindow) InFlight() int { return w.nextSeq - w.base }
