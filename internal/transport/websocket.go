// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输 - 把 websocket.Conn 适配成 net.Conn 字节流
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSServer WebSocket 接收端服务器
// 会话互斥: 升级后的连接逐个交给 handle，一次一个会话
type WSServer struct {
	addr     string
	path     string
	handle   SessionFunc
	logLevel int

	httpServer *http.Server
	upgrader   websocket.Upgrader
	sessionMu  sync.Mutex
	ln         net.Listener
}

// NewWSServer 创建 WebSocket 服务器
func NewWSServer(addr, path string, handle SessionFunc, logLevel int) *WSServer {
	return &WSServer{
		addr:     addr,
		path:     path,
		handle:   handle,
		logLevel: logLevel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Listen 创建监听; Serve 会在未监听时自行调用
func (s *WSServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "监听 %s 失败", s.addr)
	}
	s.ln = ln
	return nil
}

// Addr 实际监听地址 (Listen 之后有效)
func (s *WSServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 启动 HTTP 服务并处理升级请求，ctx 取消后返回 nil
func (s *WSServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.ln)
	}()
	s.log(1, "WebSocket 服务器已启动: %s%s", s.ln.Addr(), s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.log(1, "WebSocket 服务器已停止")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "HTTP 服务器错误")
		}
		return nil
	}
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(2, "WebSocket 升级失败: %v", err)
		return
	}

	conn := newWSConn(ws)
	defer conn.Close()

	// 串行处理: 与 TCP 接受循环同样一次一个会话
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	s.log(1, "接受连接: %s", r.RemoteAddr)
	if err := s.handle(conn); err != nil {
		s.log(0, "会话失败: %v", err)
	}
}

// DialWS 建立到接收端的 WebSocket 连接
func DialWS(addr, path string, timeout time.Duration) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial("ws://"+addr+path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "连接 ws://%s%s 失败", addr, path)
	}
	return newWSConn(ws), nil
}

func (s *WSServer) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [WebSocket] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// =============================================================================
// net.Conn 适配器
// =============================================================================

// wsConn 把 WebSocket 二进制消息流适配成 net.Conn
//
// gorilla 的读错误 (含超时) 会让连接不可用，所以不能直接把读截止时间
// 透传给底层: 由泵协程持续收消息进通道，Read 在通道上带截止时间等待
type wsConn struct {
	ws       *websocket.Conn
	incoming chan []byte
	done     chan struct{}
	buf      []byte // 当前消息未消费部分

	readDeadline time.Time
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:       ws,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop 泵协程: 持续读消息，出错时关闭通道 (残留消息仍可被消费)
func (c *wsConn) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			close(c.incoming)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}

	var timer <-chan time.Time
	if !c.readDeadline.IsZero() {
		wait := time.Until(c.readDeadline)
		if wait <= 0 {
			return 0, wsTimeoutError{}
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	select {
	case data, ok := <-c.incoming:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		c.buf = data[n:]
		return n, nil
	case <-timer:
		return 0, wsTimeoutError{}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsTimeoutError 满足 net.Error 的超时错误
type wsTimeoutError struct{}

func (wsTimeoutError) Error() string   { return "读取超时" }
func (wsTimeoutError) Timeout() bool   { return true }
func (wsTimeoutError) Temporary() bool { return true }
