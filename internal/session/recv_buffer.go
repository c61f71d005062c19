// =============================================================================
// 文件: internal/session/recv_buffer.go
// 描述: 接收重组缓冲区 - 乱序缓存 + 连续段交付
// =============================================================================
package session

import (
	"encoding/binary"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
)

// 布隆过滤器参数: 只用于区分首达段和重传段的统计，
// 误报至多让计数偏差，不影响交付
const (
	bloomExpectedSegments = 1 << 16
	bloomFalsePositive    = 0.001
)

// RecvBuffer 接收重组缓冲区
//
// 不变量: pending 的所有键 >= rcvBase；delivered 恒等于 0..rcvBase-1
// 各段载荷的按序拼接。
// 单控制流独占，不加锁。
type RecvBuffer struct {
	pending   map[int]string // 乱序缓存: seq -> payload, 键均 >= rcvBase
	rcvBase   int            // 下一个期望序列号
	delivered strings.Builder

	// 统计
	seen            *bloom.BloomFilter // 已见过的序列号 (含已交付)
	totalDuplicate  uint64
	totalOutOfOrder uint64
}

// NewRecvBuffer 创建接收缓冲区
func NewRecvBuffer() *RecvBuffer {
	return &RecvBuffer{
		pending: make(map[int]string),
		seen:    bloom.NewWithEstimates(bloomExpectedSegments, bloomFalsePositive),
	}
}

// Insert 缓存一个段并交付尽可能长的连续前缀
//
// 调用方保证 seq >= rcvBase (更小的序列号在上层按重复段处理)。
// 覆盖写是安全的: 同一序列号的重传内容视为相同。
// 返回本次交付的段数和字节数。
func (b *RecvBuffer) Insert(seq int, payload string) (segments, bytes int) {
	if b.markSeen(seq) {
		b.totalDuplicate++
	}
	if seq != b.rcvBase {
		b.totalOutOfOrder++
	}

	b.pending[seq] = payload

	// 从 rcvBase 起排空连续段
	for {
		p, ok := b.pending[b.rcvBase]
		if !ok {
			break
		}
		b.delivered.WriteString(p)
		delete(b.pending, b.rcvBase)
		b.rcvBase++
		segments++
		bytes += len(p)
	}
	return segments, bytes
}

// markSeen 记录序列号，返回之前是否已见过
func (b *RecvBuffer) markSeen(seq int) bool {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(seq))
	return b.seen.TestOrAdd(key[:])
}

// MarkDuplicate 记录一个 rcvBase 之前的重复段 (不缓存不交付)
func (b *RecvBuffer) MarkDuplicate(seq int) {
	b.markSeen(seq)
	b.totalDuplicate++
}

// Base 下一个期望序列号
func (b *RecvBuffer) Base() int { return b.rcvBase }

// AckValue 当前累积确认值; rcvBase 为 0 时是 -1 哨兵，表示尚未交付任何段
func (b *RecvBuffer) AckValue() int { return b.rcvBase - 1 }

// Backlog 乱序缓存中未交付的段数
func (b *RecvBuffer) Backlog() int { return len(b.pending) }

// Delivered 已按序交付的全部内容
func (b *RecvBuffer) Delivered() string { return b.delivered.String() }

// DeliveredBytes 已交付字节数
func (b *RecvBuffer) DeliveredBytes() int { return b.delivered.Len() }

// Stats 返回重复段与乱序段计数
func (b *RecvBuffer) Stats() (duplicate, outOfOrder uint64) {
	return b.totalDuplicate, b.totalOutOfOrder
}
