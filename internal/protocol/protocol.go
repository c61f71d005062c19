// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 行分隔 JSON 消息编解码 - 每条消息一行，换行符定界
// =============================================================================
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// 消息类型
const (
	TypeHello       = "HELLO"
	TypeHelloAck    = "HELLO_ACK"
	TypeAckHello    = "ACK_HELLO"
	TypeSizeRequest = "SIZE_REQUEST"
	TypeSizeReply   = "SIZE_REPLY"
	TypeData        = "DATA"
	TypeCumAck      = "CUM_ACK"
	TypeFin         = "FIN"
	TypeFinAck      = "FIN_ACK"

	// TypeMalformed 仅在本地表示无法解析的记录，永远不会出现在线路上
	TypeMalformed = "MALFORMED"
)

// DefaultMaxSize 协商回复缺失 maxSize 字段时采用的协议默认段大小
const DefaultMaxSize = 400

// 错误定义
var (
	ErrClosed  = fmt.Errorf("连接已关闭")
	ErrTimeout = fmt.Errorf("读取超时")
)

// Message 协议消息
// 指针字段用于区分 "字段缺失" 和 "字段为零值"：
// 协商与确认的语义依赖这一区别 (maxSize 缺失回退默认值, ack 可为 -1)
type Message struct {
	Type     string `json:"type"`
	Seq      *int   `json:"seq,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Ack      *int   `json:"ack,omitempty"`
	MaxSize  *int   `json:"maxSize,omitempty"`
	Adaptive *bool  `json:"adaptive,omitempty"`

	// Reason 解析失败原因，仅 TypeMalformed 使用，不参与编码
	Reason string `json:"-"`
}

// =============================================================================
// 构造函数
// =============================================================================

// Hello 握手第一步
func Hello() *Message { return &Message{Type: TypeHello} }

// HelloAck 握手第二步
func HelloAck() *Message { return &Message{Type: TypeHelloAck} }

// AckHello 握手第三步
func AckHello() *Message { return &Message{Type: TypeAckHello} }

// SizeRequest 请求段大小参数
func SizeRequest() *Message { return &Message{Type: TypeSizeRequest} }

// SizeReply 返回段大小参数
func SizeReply(maxSize int, adaptive bool) *Message {
	return &Message{Type: TypeSizeReply, MaxSize: &maxSize, Adaptive: &adaptive}
}

// Data 数据段
func Data(seq int, payload string) *Message {
	return &Message{Type: TypeData, Seq: &seq, Payload: payload}
}

// CumAck 累积确认; maxSize 为 nil 时不携带 (仅自适应模式携带)
func CumAck(ack int, maxSize *int) *Message {
	return &Message{Type: TypeCumAck, Ack: &ack, MaxSize: maxSize}
}

// Fin 终止请求
func Fin() *Message { return &Message{Type: TypeFin} }

// FinAck 终止确认
func FinAck() *Message { return &Message{Type: TypeFinAck} }

// Malformed 本地表示一条无法解析的记录
func Malformed(reason string) *Message {
	return &Message{Type: TypeMalformed, Reason: reason}
}

// IsMalformed 是否为解析失败的记录
func (m *Message) IsMalformed() bool { return m.Type == TypeMalformed }

// =============================================================================
// 编解码器
// =============================================================================

// Codec 绑定一条连接的消息编解码器
// 非并发安全: 一个会话只有一个控制流读写
type Codec struct {
	conn net.Conn
	r    *bufio.Reader

	// 读超时截断的半行，留到下一次读取拼接
	partial string
}

// NewCodec 创建编解码器
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

// Send 编码并发送一条消息
func (c *Codec) Send(m *Message) error {
	if m.Type == TypeMalformed {
		return fmt.Errorf("MALFORMED 消息不允许上线")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "编码消息失败")
	}

	// 单次写出整条记录
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "写入消息失败")
	}
	return nil
}

// Recv 读取一条消息
//
// timeout > 0 时设置读截止时间，超时返回 ErrTimeout (轮询未命中，不是协议错误)。
// timeout <= 0 表示无限阻塞。对端关闭返回 ErrClosed。
// 无法解析的记录返回 Malformed 消息而非错误，由调用方当作 "本轮无有效消息"。
func (c *Codec) Recv(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Wrap(err, "设置读截止时间失败")
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, errors.Wrap(err, "清除读截止时间失败")
		}
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		// 半行留到下一轮，避免超时截断丢数据
		c.partial += line

		if err == io.EOF {
			return nil, ErrClosed
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(err, "读取消息失败")
	}

	line = c.partial + line
	c.partial = ""

	return decodeLine(line), nil
}

// decodeLine 解析一行记录，失败时降级为 Malformed
func decodeLine(line string) *Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return Malformed("空记录")
	}

	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return Malformed(fmt.Sprintf("JSON 解析失败: %v", err))
	}
	if m.Type == "" || m.Type == TypeMalformed {
		return Malformed("缺少有效的 type 字段")
	}
	return &m
}
