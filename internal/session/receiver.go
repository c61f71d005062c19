// =============================================================================
// 文件: internal/session/receiver.go
// 描述: 接收端状态机 - 握手、协商应答、重组交付、终止应答
// =============================================================================
package session

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// ReceiverConfig 接收端会话配置
type ReceiverConfig struct {
	MaxMsgSize int           // 本端配置的段大小上限，自适应模式的恢复上限
	Adaptive   bool          // 动态段大小标志，会话期内不可变
	Timeout    time.Duration // 握手阶段读超时
	LogLevel   int
}

// Receiver 接收端会话
// 状态机: Listening -> Received -> Established -> (重组交付) -> 终止
type Receiver struct {
	codec *protocol.Codec
	cfg   ReceiverConfig
	buf   *RecvBuffer
	sizer *AdaptiveSizer
	sink  io.Writer // FIN 时一次性接收全部交付内容
	rec   Recorder
}

// NewReceiver 创建接收端会话，绑定一条已接受的连接
func NewReceiver(conn net.Conn, cfg ReceiverConfig, sink io.Writer, rec Recorder) *Receiver {
	return &Receiver{
		codec: protocol.NewCodec(conn),
		cfg:   cfg,
		buf:   NewRecvBuffer(),
		sizer: NewAdaptiveSizer(cfg.Adaptive, cfg.MaxMsgSize),
		sink:  sink,
		rec:   rec,
	}
}

// Run 执行完整会话
func (r *Receiver) Run() error {
	if r.rec != nil {
		r.rec.SessionStarted()
	}

	err := r.run()
	if r.rec != nil {
		if err != nil {
			r.rec.SessionFailed()
		} else {
			r.rec.SessionCompleted()
		}
	}
	return err
}

func (r *Receiver) run() error {
	if err := r.handshake(); err != nil {
		return err
	}
	pending, err := r.negotiate()
	if err != nil {
		return err
	}
	return r.transfer(pending)
}

// handshake 应答三次握手
// 第一条消息不是 HELLO 直接放弃连接，不回任何消息
func (r *Receiver) handshake() error {
	msg, err := r.codec.Recv(r.cfg.Timeout)
	if err != nil || msg.Type != protocol.TypeHello {
		return ErrHandshakeFailed
	}

	if err := r.codec.Send(protocol.HelloAck()); err != nil {
		return errors.Wrap(err, "发送 HELLO_ACK 失败")
	}

	msg, err = r.codec.Recv(r.cfg.Timeout)
	if err != nil || msg.Type != protocol.TypeAckHello {
		return ErrHandshakeFailed
	}
	r.log(2, "握手完成")
	return nil
}

// negotiate 应答参数协商
// 读到的不是 SIZE_REQUEST 时不丢弃，作为传输循环的第一条待处理消息返回
func (r *Receiver) negotiate() (*protocol.Message, error) {
	msg, err := r.codec.Recv(r.cfg.Timeout)
	if err != nil {
		return nil, ErrNegotiationFailed
	}

	if msg.Type == protocol.TypeSizeRequest {
		reply := protocol.SizeReply(r.cfg.MaxMsgSize, r.cfg.Adaptive)
		if err := r.codec.Send(reply); err != nil {
			return nil, errors.Wrap(err, "发送 SIZE_REPLY 失败")
		}
		r.log(1, "参数协商完成: 段大小=%d 自适应=%v", r.cfg.MaxMsgSize, r.cfg.Adaptive)
		return nil, nil
	}
	return msg, nil
}

// transfer 重组交付循环，直到收到 FIN 或连接关闭
func (r *Receiver) transfer(pending *protocol.Message) error {
	for {
		var msg *protocol.Message
		if pending != nil {
			msg, pending = pending, nil
		} else {
			m, err := r.codec.Recv(0)
			if err != nil {
				if err == protocol.ErrClosed {
					// 传输中途对端关闭: 交付未完成，会话按失败计，已交付内容不输出
					r.log(1, "连接中断, 会话失败 (已交付 %d 字节未输出)", r.buf.DeliveredBytes())
					return ErrConnectionClosed
				}
				return errors.Wrap(err, "传输中读取失败")
			}
			msg = m
		}

		switch msg.Type {
		case protocol.TypeData:
			if err := r.handleData(msg); err != nil {
				return err
			}
		case protocol.TypeFin:
			return r.finish()
		default:
			// MALFORMED 与其他类型: 本轮无有效消息，继续
		}
	}
}

// handleData 处理一个数据段
//
// 拒收路径 (无效序列号 / 超长载荷 / 已交付的重复段) 只回当前累积确认，
// 不缓存不交付，也不向发送端返回任何区分性错误，
// 发送端只能靠自己的超时推断缺少进展。
func (r *Receiver) handleData(msg *protocol.Message) error {
	if msg.Seq == nil || *msg.Seq < 0 || len(msg.Payload) > r.sizer.Current() {
		if r.rec != nil {
			r.rec.SegmentRejected()
		}
		r.log(2, "[DROP] 无效段或超长载荷 (当前上限 %d)", r.sizer.Current())
		return r.sendAck()
	}
	seq := *msg.Seq

	if seq < r.buf.Base() {
		r.buf.MarkDuplicate(seq)
		if r.rec != nil {
			r.rec.DuplicateArrived()
		}
		r.log(2, "[DUP] seq=%d 已交付, 重复确认", seq)
		return r.sendAck()
	}

	segments, bytes := r.buf.Insert(seq, msg.Payload)
	if segments > 0 {
		r.log(2, "[RECV] seq=%d 交付 %d 段 %d 字节, rcvBase=%d",
			seq, segments, bytes, r.buf.Base())
		if r.rec != nil {
			r.rec.BytesDelivered(bytes)
		}
	} else {
		r.log(2, "[RECV] seq=%d 乱序缓存, 积压=%d", seq, r.buf.Backlog())
	}

	// 自适应调整只在缓存路径生效，拒收和重复段不触发
	before := r.sizer.Current()
	r.sizer.Observe(r.buf.Backlog())
	if r.sizer.Current() != before {
		r.log(1, "段大小调整: %d -> %d (积压=%d)", before, r.sizer.Current(), r.buf.Backlog())
		if r.rec != nil {
			r.rec.MaxSizeChanged(r.sizer.Current())
		}
	}

	return r.sendAck()
}

// sendAck 发送当前累积确认，自适应模式下携带当前段大小
func (r *Receiver) sendAck() error {
	var maxSize *int
	if r.sizer.Enabled() {
		v := r.sizer.Current()
		maxSize = &v
	}
	if err := r.codec.Send(protocol.CumAck(r.buf.AckValue(), maxSize)); err != nil {
		return errors.Wrap(err, "发送 CUM_ACK 失败")
	}
	return nil
}

// finish 输出全部交付内容并应答 FIN_ACK
func (r *Receiver) finish() error {
	if r.sink != nil {
		if _, err := io.WriteString(r.sink, r.buf.Delivered()); err != nil {
			return errors.Wrap(err, "写出交付内容失败")
		}
	}
	if err := r.codec.Send(protocol.FinAck()); err != nil {
		return errors.Wrap(err, "发送 FIN_ACK 失败")
	}

	dup, ooo := r.buf.Stats()
	r.log(1, "会话完成: 交付 %d 字节, 重复段 %d, 乱序段 %d",
		r.buf.DeliveredBytes(), dup, ooo)
	return nil
}

func (r *Receiver) log(level int, format string, args ...interface{}) {
	logf(r.cfg.LogLevel, level, "Receiver", format, args...)
}
