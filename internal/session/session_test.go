// =============================================================================
// 文件: internal/session/session_test.go
// 描述: 会话状态机测试 - 完整会话与逐消息驱动
// =============================================================================
package session

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// tcpPair 返回一对互联的 TCP 连接 (内核缓冲避免写阻塞死锁)
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("接受失败: %v", r.err)
	}

	t.Cleanup(func() {
		client.Close()
		r.conn.Close()
	})
	return client, r.conn
}

// countingRecorder 测试用统计桩
type countingRecorder struct {
	started, completed, failed int
	sent, sentBytes            int
	retransmits, acks          int
	rejected, duplicates       int
	delivered                  int
	maxSize                    int
}

func (r *countingRecorder) SessionStarted()         { r.started++ }
func (r *countingRecorder) SessionCompleted()       { r.completed++ }
func (r *countingRecorder) SessionFailed()          { r.failed++ }
func (r *countingRecorder) SegmentSent(bytes int)   { r.sent++; r.sentBytes += bytes }
func (r *countingRecorder) SegmentRetransmitted()   { r.retransmits++ }
func (r *countingRecorder) AckReceived()            { r.acks++ }
func (r *countingRecorder) SegmentRejected()        { r.rejected++ }
func (r *countingRecorder) DuplicateArrived()       { r.duplicates++ }
func (r *countingRecorder) BytesDelivered(n int)    { r.delivered += n }
func (r *countingRecorder) MaxSizeChanged(size int) { r.maxSize = size }

// runReceiver 在协程中运行接收端会话
func runReceiver(conn net.Conn, cfg ReceiverConfig, sink *bytes.Buffer) chan error {
	done := make(chan error, 1)
	go func() {
		done <- NewReceiver(conn, cfg, sink, nil).Run()
	}()
	return done
}

// =============================================================================
// 完整会话
// =============================================================================

func TestSessionHelloWorld(t *testing.T) {
	// 窗口 2, 段大小 10, 源 "HELLO WORLD": seq0="HELLO WORL" seq1="D"
	client, server := tcpPair(t)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 10,
		Timeout:    5 * time.Second,
	}, &sink)

	rec := &countingRecorder{}
	sender := NewSender(client, SenderConfig{
		WindowSize: 2,
		Timeout:    5 * time.Second,
	}, rec)
	if err := sender.Run("HELLO WORLD"); err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}

	if sink.String() != "HELLO WORLD" {
		t.Errorf("交付内容不正确: got %q, want %q", sink.String(), "HELLO WORLD")
	}
	if rec.completed != 1 || rec.failed != 0 {
		t.Errorf("会话统计不正确: completed=%d failed=%d", rec.completed, rec.failed)
	}
	if rec.sent != 2 || rec.sentBytes != 11 {
		t.Errorf("发送统计不正确: segs=%d bytes=%d", rec.sent, rec.sentBytes)
	}
	if rec.acks == 0 {
		t.Error("应至少记录一次推进窗口的确认")
	}
}

func TestSessionLargeTransferAdaptive(t *testing.T) {
	client, server := tcpPair(t)

	source := strings.Repeat("滑动窗口可靠传输 sliding window 0123456789 ", 200)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 100,
		Adaptive:   true,
		Timeout:    5 * time.Second,
	}, &sink)

	sender := NewSender(client, SenderConfig{
		WindowSize: 8,
		Timeout:    5 * time.Second,
	}, nil)
	if err := sender.Run(source); err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}

	if sink.String() != source {
		t.Errorf("交付内容与源不一致: 长度 got %d, want %d", sink.Len(), len(source))
	}
}

func TestSessionEmptySource(t *testing.T) {
	// 无数据可发: 握手协商后直接 FIN，交付为空
	client, server := tcpPair(t)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 400,
		Timeout:    5 * time.Second,
	}, &sink)

	sender := NewSender(client, SenderConfig{
		WindowSize: 4,
		Timeout:    5 * time.Second,
	}, nil)
	if err := sender.Run(""); err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}
	if sink.Len() != 0 {
		t.Errorf("空源交付应为空: got %q", sink.String())
	}
}

// =============================================================================
// 逐消息驱动发送端
// =============================================================================

// peerAccept 以对端身份应答握手与协商
func peerAccept(t *testing.T, c *protocol.Codec, maxSize int, adaptive bool) {
	t.Helper()

	msg, err := c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeHello {
		t.Fatalf("应收到 HELLO: msg=%v err=%v", msg, err)
	}
	if err := c.Send(protocol.HelloAck()); err != nil {
		t.Fatalf("发送 HELLO_ACK 失败: %v", err)
	}
	msg, err = c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeAckHello {
		t.Fatalf("应收到 ACK_HELLO: msg=%v err=%v", msg, err)
	}

	msg, err = c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeSizeRequest {
		t.Fatalf("应收到 SIZE_REQUEST: msg=%v err=%v", msg, err)
	}
	if err := c.Send(protocol.SizeReply(maxSize, adaptive)); err != nil {
		t.Fatalf("发送 SIZE_REPLY 失败: %v", err)
	}
}

func expectData(t *testing.T, c *protocol.Codec, seq int, payload string) {
	t.Helper()
	msg, err := c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeData {
		t.Fatalf("应收到 DATA: msg=%v err=%v", msg, err)
	}
	if msg.Seq == nil || *msg.Seq != seq || msg.Payload != payload {
		t.Fatalf("DATA 不匹配: got seq=%v payload=%q, want seq=%d payload=%q",
			msg.Seq, msg.Payload, seq, payload)
	}
}

func TestSenderCumulativeAckSkipsLoss(t *testing.T) {
	// seq0 的确认丢失，seq1 的确认 (ack=1) 到达: base 直接推进到 2
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 2,
			Timeout:    2 * time.Second,
		}, nil).Run("ab")
	}()

	peerAccept(t, peer, 1, false)
	expectData(t, peer, 0, "a")
	expectData(t, peer, 1, "b")

	// 只发 ack=1，seq0 视为隐式确认
	if err := peer.Send(protocol.CumAck(1, nil)); err != nil {
		t.Fatalf("发送 ACK 失败: %v", err)
	}

	// 窗口排空后应直接 FIN，不再有 DATA
	msg, err := peer.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeFin {
		t.Fatalf("应收到 FIN: msg=%v err=%v", msg, err)
	}
	peer.Send(protocol.FinAck())

	if err := <-done; err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
}

func TestSenderWholeWindowRetransmit(t *testing.T) {
	// 不发确认: 超时后 [base, nextSeq) 整窗原样重传
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 2,
			Timeout:    300 * time.Millisecond,
		}, nil).Run("abcdef")
	}()

	peerAccept(t, peer, 5, false)
	expectData(t, peer, 0, "abcde")
	expectData(t, peer, 1, "f")

	// 扣住确认，等整窗重传
	expectData(t, peer, 0, "abcde")
	expectData(t, peer, 1, "f")

	peer.Send(protocol.CumAck(1, nil))

	// 确认到达前可能又触发一轮重传，跳过多余的 DATA
	for {
		msg, err := peer.Recv(2 * time.Second)
		if err != nil {
			t.Fatalf("等待 FIN 失败: %v", err)
		}
		if msg.Type == protocol.TypeData {
			continue
		}
		if msg.Type != protocol.TypeFin {
			t.Fatalf("应收到 FIN: got %s", msg.Type)
		}
		break
	}
	peer.Send(protocol.FinAck())

	if err := <-done; err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
}

func TestSenderAdoptsAdaptiveMaxSize(t *testing.T) {
	// 自适应模式下确认携带的新段大小立即用于后续切分
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 1,
			Timeout:    2 * time.Second,
		}, nil).Run("aaaabb")
	}()

	peerAccept(t, peer, 4, true)
	expectData(t, peer, 0, "aaaa")

	// 确认并把段大小缩到 2
	size := 2
	peer.Send(protocol.CumAck(0, &size))
	expectData(t, peer, 1, "bb")

	peer.Send(protocol.CumAck(1, &size))
	msg, err := peer.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeFin {
		t.Fatalf("应收到 FIN: msg=%v err=%v", msg, err)
	}
	peer.Send(protocol.FinAck())

	if err := <-done; err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
}

func TestSegmentCutRuneBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		cursor  int
		maxSize int
		want    int
	}{
		{"纯 ASCII", "abcdef", 0, 4, 4},
		{"尾段不足一整段", "abc", 0, 10, 3},
		{"切点落在多字节字符中间则回退", "abc€x", 0, 4, 3},
		{"切点恰在字符边界", "abc€x", 0, 6, 6},
		{"中文中间回退", "你好", 0, 4, 3},
		{"段大小装不下一个字符则整字符前进", "€x", 0, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cut(tt.source, tt.cursor, tt.maxSize)
			if got != tt.want {
				t.Errorf("cut(%q, %d, %d) = %d, want %d",
					tt.source, tt.cursor, tt.maxSize, got, tt.want)
			}
		})
	}
}

func TestSenderMultiByteSegmentation(t *testing.T) {
	// 段边界落在欧元符号中间: 切点必须回退到字符边界，
	// 否则 JSON 编码把残缺字节改写成替换字符，载荷变长变样
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 4,
			Timeout:    2 * time.Second,
		}, nil).Run("abc€x")
	}()

	peerAccept(t, peer, 4, false)
	expectData(t, peer, 0, "abc")
	expectData(t, peer, 1, "€x")

	peer.Send(protocol.CumAck(1, nil))
	msg, err := peer.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeFin {
		t.Fatalf("应收到 FIN: msg=%v err=%v", msg, err)
	}
	peer.Send(protocol.FinAck())

	if err := <-done; err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
}

func TestSessionMultiByteRoundTrip(t *testing.T) {
	// 多字节文本在任意段大小下交付必须逐字节等于源
	client, server := tcpPair(t)

	source := strings.Repeat("数据€ okφ", 40)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 7,
		Timeout:    5 * time.Second,
	}, &sink)

	sender := NewSender(client, SenderConfig{
		WindowSize: 4,
		Timeout:    5 * time.Second,
	}, nil)
	if err := sender.Run(source); err != nil {
		t.Fatalf("发送端会话失败: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}

	if sink.String() != source {
		t.Errorf("交付内容与源不一致: 长度 got %d, want %d", sink.Len(), len(source))
	}
}

func TestSenderHandshakeFailure(t *testing.T) {
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 2,
			Timeout:    time.Second,
		}, nil).Run("x")
	}()

	// 答非所问: 回 FIN 而不是 HELLO_ACK
	if _, err := peer.Recv(2 * time.Second); err != nil {
		t.Fatalf("读取 HELLO 失败: %v", err)
	}
	peer.Send(protocol.Fin())

	if err := <-done; err != ErrHandshakeFailed {
		t.Errorf("应返回 ErrHandshakeFailed: got %v", err)
	}
}

func TestSenderNegotiationNoReplyIsFatal(t *testing.T) {
	client, server := tcpPair(t)
	peer := protocol.NewCodec(server)

	done := make(chan error, 1)
	go func() {
		done <- NewSender(client, SenderConfig{
			WindowSize: 2,
			Timeout:    300 * time.Millisecond,
		}, nil).Run("x")
	}()

	// 握手正常，但协商不回复
	msg, _ := peer.Recv(2 * time.Second)
	if msg == nil || msg.Type != protocol.TypeHello {
		t.Fatalf("应收到 HELLO: %v", msg)
	}
	peer.Send(protocol.HelloAck())
	peer.Recv(2 * time.Second) // ACK_HELLO
	peer.Recv(2 * time.Second) // SIZE_REQUEST, 不回复

	if err := <-done; err != ErrNegotiationFailed {
		t.Errorf("应返回 ErrNegotiationFailed: got %v", err)
	}
}

// =============================================================================
// 逐消息驱动接收端
// =============================================================================

// peerConnect 以发送端身份完成握手与协商，返回协商结果
func peerConnect(t *testing.T, c *protocol.Codec) *protocol.Message {
	t.Helper()

	if err := c.Send(protocol.Hello()); err != nil {
		t.Fatalf("发送 HELLO 失败: %v", err)
	}
	msg, err := c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeHelloAck {
		t.Fatalf("应收到 HELLO_ACK: msg=%v err=%v", msg, err)
	}
	if err := c.Send(protocol.AckHello()); err != nil {
		t.Fatalf("发送 ACK_HELLO 失败: %v", err)
	}

	if err := c.Send(protocol.SizeRequest()); err != nil {
		t.Fatalf("发送 SIZE_REQUEST 失败: %v", err)
	}
	msg, err = c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeSizeReply {
		t.Fatalf("应收到 SIZE_REPLY: msg=%v err=%v", msg, err)
	}
	return msg
}

func expectAck(t *testing.T, c *protocol.Codec, want int) *protocol.Message {
	t.Helper()
	msg, err := c.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeCumAck {
		t.Fatalf("应收到 CUM_ACK: msg=%v err=%v", msg, err)
	}
	if msg.Ack == nil || *msg.Ack != want {
		t.Fatalf("ack 不匹配: got %v, want %d", msg.Ack, want)
	}
	return msg
}

func TestReceiverOutOfOrderReassembly(t *testing.T) {
	// seq1 先到: 缓存 + 哨兵确认; seq0 到后一起排空, ack=1
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 400,
		Timeout:    5 * time.Second,
	}, &sink)

	reply := peerConnect(t, peer)
	if reply.MaxSize == nil || *reply.MaxSize != 400 {
		t.Fatalf("SIZE_REPLY 应携带配置值: %v", reply.MaxSize)
	}

	peer.Send(protocol.Data(1, "B"))
	expectAck(t, peer, -1)

	peer.Send(protocol.Data(0, "A"))
	expectAck(t, peer, 1)

	// 已交付段重复到达: 仍确认但不改变交付
	peer.Send(protocol.Data(0, "A"))
	expectAck(t, peer, 1)

	peer.Send(protocol.Fin())
	msg, err := peer.Recv(2 * time.Second)
	if err != nil || msg.Type != protocol.TypeFinAck {
		t.Fatalf("应收到 FIN_ACK: msg=%v err=%v", msg, err)
	}

	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}
	if sink.String() != "AB" {
		t.Errorf("交付内容不正确: got %q, want %q", sink.String(), "AB")
	}
}

func TestReceiverRejectsOversizeAndInvalidSeq(t *testing.T) {
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 4,
		Timeout:    5 * time.Second,
	}, &sink)

	peerConnect(t, peer)

	// 超长载荷: 只回当前确认，不缓存
	peer.Send(protocol.Data(0, "12345"))
	expectAck(t, peer, -1)

	// 负序列号: 同样只回确认
	peer.Send(protocol.Data(-1, "xx"))
	expectAck(t, peer, -1)

	// 缺少 seq 字段
	peer.Send(&protocol.Message{Type: protocol.TypeData, Payload: "xx"})
	expectAck(t, peer, -1)

	// 合法段正常交付
	peer.Send(protocol.Data(0, "1234"))
	expectAck(t, peer, 0)

	peer.Send(protocol.Fin())
	peer.Recv(2 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}
	if sink.String() != "1234" {
		t.Errorf("交付内容不正确: got %q", sink.String())
	}
}

func TestReceiverAdaptiveShrinkAndGrow(t *testing.T) {
	// 积压 3 段触发收缩 400 -> 380; 排空后恢复 +10
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 400,
		Adaptive:   true,
		Timeout:    5 * time.Second,
	}, &sink)

	reply := peerConnect(t, peer)
	if reply.Adaptive == nil || !*reply.Adaptive {
		t.Fatal("SIZE_REPLY 应声明自适应")
	}

	peer.Send(protocol.Data(1, "b"))
	msg := expectAck(t, peer, -1)
	if msg.MaxSize == nil || *msg.MaxSize != 400 {
		t.Errorf("积压 1: maxSize 应保持 400, got %v", msg.MaxSize)
	}

	peer.Send(protocol.Data(2, "c"))
	msg = expectAck(t, peer, -1)
	if msg.MaxSize == nil || *msg.MaxSize != 400 {
		t.Errorf("积压 2: maxSize 应保持 400, got %v", msg.MaxSize)
	}

	peer.Send(protocol.Data(3, "d"))
	msg = expectAck(t, peer, -1)
	if msg.MaxSize == nil || *msg.MaxSize != 380 {
		t.Errorf("积压 3: maxSize 应收缩到 380, got %v", msg.MaxSize)
	}

	// seq0 到达, 全部排空: 380 + 10
	peer.Send(protocol.Data(0, "a"))
	msg = expectAck(t, peer, 3)
	if msg.MaxSize == nil || *msg.MaxSize != 390 {
		t.Errorf("排空后: maxSize 应恢复到 390, got %v", msg.MaxSize)
	}

	peer.Send(protocol.Fin())
	peer.Recv(2 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}
	if sink.String() != "abcd" {
		t.Errorf("交付内容不正确: got %q", sink.String())
	}
}

func TestReceiverNegotiationHandsOffFirstMessage(t *testing.T) {
	// 协商阶段读到的非 SIZE_REQUEST 消息作为传输循环的第一条处理
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	var sink bytes.Buffer
	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 400,
		Timeout:    5 * time.Second,
	}, &sink)

	peer.Send(protocol.Hello())
	msg, _ := peer.Recv(2 * time.Second)
	if msg == nil || msg.Type != protocol.TypeHelloAck {
		t.Fatalf("应收到 HELLO_ACK: %v", msg)
	}
	peer.Send(protocol.AckHello())

	// 跳过协商, 直接发数据
	peer.Send(protocol.Data(0, "hi"))
	expectAck(t, peer, 0)

	peer.Send(protocol.Fin())
	peer.Recv(2 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("接收端会话失败: %v", err)
	}
	if sink.String() != "hi" {
		t.Errorf("交付内容不正确: got %q", sink.String())
	}
}

func TestReceiverHandshakeFailureDropsConnection(t *testing.T) {
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	done := runReceiver(server, ReceiverConfig{
		MaxMsgSize: 400,
		Timeout:    time.Second,
	}, &bytes.Buffer{})

	// 第一条不是 HELLO: 连接直接被放弃，不回任何消息
	peer.Send(protocol.Data(0, "x"))

	if err := <-done; err != ErrHandshakeFailed {
		t.Errorf("应返回 ErrHandshakeFailed: got %v", err)
	}
}

func TestReceiverConnectionClosedMidTransfer(t *testing.T) {
	// 传输中途关闭: 交付未完成，会话按失败计，不输出已交付内容
	client, server := tcpPair(t)
	peer := protocol.NewCodec(client)

	var sink bytes.Buffer
	rec := &countingRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- NewReceiver(server, ReceiverConfig{
			MaxMsgSize: 400,
			Timeout:    5 * time.Second,
		}, &sink, rec).Run()
	}()

	peerConnect(t, peer)
	peer.Send(protocol.Data(0, "partial"))
	expectAck(t, peer, 0)

	client.Close()

	if err := <-done; err != ErrConnectionClosed {
		t.Fatalf("中途关闭应返回 ErrConnectionClosed: got %v", err)
	}
	if rec.failed != 1 || rec.completed != 0 {
		t.Errorf("中断会话应按失败计: completed=%d failed=%d", rec.completed, rec.failed)
	}
	if sink.Len() != 0 {
		t.Errorf("未收到 FIN 不应输出: got %q", sink.String())
	}
}
