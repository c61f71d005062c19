// =============================================================================
// 文件: internal/session/sender.go
// 描述: 发送端状态机 - 握手、协商、滑动窗口传输、终止
// =============================================================================
package session

import (
	"net"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// SenderConfig 发送端会话配置
type SenderConfig struct {
	WindowSize int           // 窗口大小 (段数)
	Timeout    time.Duration // 会话超时，同时是重传超时
	LogLevel   int
}

// Sender 发送端会话
// 状态机: Idle -> Initiated -> Established -> (传输) -> 终止
type Sender struct {
	codec  *protocol.Codec
	cfg    SenderConfig
	window *SendWindow
	rec    Recorder

	// 协商结果
	maxSize  int
	adaptive bool
}

// NewSender 创建发送端会话，绑定一条已建立的连接
func NewSender(conn net.Conn, cfg SenderConfig, rec Recorder) *Sender {
	return &Sender{
		codec:  protocol.NewCodec(conn),
		cfg:    cfg,
		window: NewSendWindow(cfg.WindowSize),
		rec:    rec,
	}
}

// Run 执行完整会话: 握手 -> 协商 -> 传输 -> 终止
// source 为完整的待传输文本，调用方负责读入
func (s *Sender) Run(source string) error {
	if s.rec != nil {
		s.rec.SessionStarted()
	}

	err := s.run(source)
	if s.rec != nil {
		if err != nil {
			s.rec.SessionFailed()
		} else {
			s.rec.SessionCompleted()
		}
	}
	return err
}

func (s *Sender) run(source string) error {
	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.negotiate(); err != nil {
		return err
	}
	s.log(1, "开始传输: 窗口=%d 初始段大小=%d 自适应=%v",
		s.cfg.WindowSize, s.maxSize, s.adaptive)
	if err := s.transfer(source); err != nil {
		return err
	}
	return s.terminate()
}

// handshake 三次握手: HELLO -> HELLO_ACK -> ACK_HELLO
// 任何类型不符或连接关闭都是致命错误，不重试
func (s *Sender) handshake() error {
	if err := s.codec.Send(protocol.Hello()); err != nil {
		return errors.Wrap(err, "发送 HELLO 失败")
	}

	reply, err := s.codec.Recv(s.cfg.Timeout)
	if err != nil || reply.Type != protocol.TypeHelloAck {
		return ErrHandshakeFailed
	}

	if err := s.codec.Send(protocol.AckHello()); err != nil {
		return errors.Wrap(err, "发送 ACK_HELLO 失败")
	}
	s.log(2, "握手完成")
	return nil
}

// negotiate 参数协商: 无回复即致命，进入协商后不允许回退默认配置
// maxSize 仅在回复缺失该字段时回退协议默认值 400
func (s *Sender) negotiate() error {
	if err := s.codec.Send(protocol.SizeRequest()); err != nil {
		return errors.Wrap(err, "发送 SIZE_REQUEST 失败")
	}

	reply, err := s.codec.Recv(s.cfg.Timeout)
	if err != nil || reply.IsMalformed() {
		return ErrNegotiationFailed
	}

	s.maxSize = protocol.DefaultMaxSize
	if reply.MaxSize != nil {
		s.maxSize = *reply.MaxSize
	}
	s.adaptive = false
	if reply.Adaptive != nil {
		s.adaptive = *reply.Adaptive
	}
	return nil
}

// transfer 稳态传输循环，直到源数据切分完且窗口排空
func (s *Sender) transfer(source string) error {
	cursor := 0

	for cursor < len(source) || !s.window.Empty() {
		// 1. 填充: 窗口未满且还有源数据，按当前段大小切段并发送
		for !s.window.Full() && cursor < len(source) {
			end := cut(source, cursor, s.maxSize)
			payload := source[cursor:end]
			seq := s.window.Push(payload)

			if err := s.codec.Send(protocol.Data(seq, payload)); err != nil {
				return errors.Wrap(err, "发送 DATA 失败")
			}
			if s.rec != nil {
				s.rec.SegmentSent(len(payload))
			}
			s.log(2, "[SEND] seq=%d len=%d", seq, len(payload))
			cursor = end
		}

		// 2. 轮询确认: 短超时读一次，没有消息不算错误
		if err := s.pollAck(); err != nil {
			return err
		}

		// 3. 超时检查: 整窗重传 (Go-Back-N)，缓冲字节原样重发
		if s.window.Expired(s.cfg.Timeout) {
			s.log(1, "[TIMEOUT] 从 %d 起重传整个窗口", s.window.Base())
			for _, seg := range s.window.Outstanding() {
				if err := s.codec.Send(protocol.Data(seg.Seq, seg.Payload)); err != nil {
					return errors.Wrap(err, "重传 DATA 失败")
				}
				if s.rec != nil {
					s.rec.SegmentRetransmitted()
				}
			}
			s.window.Rearm()
		}
	}
	return nil
}

// pollAck 尝试收取一条累积确认
func (s *Sender) pollAck() error {
	msg, err := s.codec.Recv(AckPollInterval)
	if err != nil {
		if err == protocol.ErrTimeout {
			return nil
		}
		// 传输中途连接关闭没有恢复路径，未确认数据可能丢失
		return errors.Wrap(err, "传输中读取失败")
	}

	switch msg.Type {
	case protocol.TypeCumAck:
		if msg.Ack == nil || !s.window.Ack(*msg.Ack) {
			return nil // 过期或越界确认，忽略
		}
		s.log(2, "[ACK] 累积确认到 %d", *msg.Ack)
		if s.rec != nil {
			s.rec.AckReceived()
		}
		// 自适应模式下立即采纳确认携带的新段大小
		if s.adaptive && msg.MaxSize != nil {
			s.maxSize = *msg.MaxSize
			if s.rec != nil {
				s.rec.MaxSizeChanged(s.maxSize)
			}
		}
	default:
		// MALFORMED 及其他类型在传输阶段一律当作本轮无有效消息
	}
	return nil
}

// terminate 发送 FIN 并等待 FIN_ACK
// 未等到确认也结束会话，FIN 本身不重试
func (s *Sender) terminate() error {
	if err := s.codec.Send(protocol.Fin()); err != nil {
		return errors.Wrap(err, "发送 FIN 失败")
	}

	reply, err := s.codec.Recv(s.cfg.Timeout)
	if err == nil && reply.Type == protocol.TypeFinAck {
		s.log(1, "传输完成, 收到 FIN_ACK")
		return nil
	}
	s.log(1, "会话结束, 未收到 FIN_ACK")
	return nil
}

// cut 计算从 cursor 起至多 maxSize 字节的切点
// 切点不落在多字节字符中间: JSON 编码会把残缺字节改写成替换字符，
// 载荷上线后变长变样，接收端永远拒收
func cut(source string, cursor, maxSize int) int {
	end := cursor + maxSize
	if end >= len(source) {
		return len(source)
	}
	for end > cursor && !utf8.RuneStart(source[end]) {
		end--
	}
	// 段大小装不下一个完整字符时整字符前进
	if end == cursor {
		_, n := utf8.DecodeRuneInString(source[cursor:])
		end = cursor + n
	}
	return end
}

func (s *Sender) log(level int, format string, args ...interface{}) {
	logf(s.cfg.LogLevel, level, "Sender", format, args...)
}
