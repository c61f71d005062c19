// =============================================================================
// 文件: internal/transport/tcp.go
// 描述: TCP 传输 - 拨号与串行接受循环 (一次一个会话)
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// SessionFunc 处理一条已建立的连接，返回时连接由调用方关闭
type SessionFunc func(conn net.Conn) error

// TCPServer TCP 接收端服务器
// 接受循环是串行的: 窗口和重组状态都是会话私有的，一次只跑一个会话
type TCPServer struct {
	addr     string
	handle   SessionFunc
	logLevel int

	ln net.Listener
}

// NewTCPServer 创建 TCP 服务器
func NewTCPServer(addr string, handle SessionFunc, logLevel int) *TCPServer {
	return &TCPServer{
		addr:     addr,
		handle:   handle,
		logLevel: logLevel,
	}
}

// Listen 创建监听; Serve 会在未监听时自行调用
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "监听 %s 失败", s.addr)
	}
	s.ln = ln
	return nil
}

// Addr 实际监听地址 (Listen 之后有效)
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 监听并串行处理连接，ctx 取消后返回 nil
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log(1, "TCP 服务器已启动: %s", s.ln.Addr())

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.log(1, "TCP 服务器已停止")
				return nil
			default:
				return errors.Wrap(err, "接受连接失败")
			}
		}

		s.log(1, "接受连接: %s", conn.RemoteAddr())
		if err := s.handle(conn); err != nil {
			s.log(0, "会话失败: %v", err)
		}
		conn.Close()
	}
}

// DialTCP 建立到接收端的 TCP 连接
func DialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "连接 %s 失败", addr)
	}
	return conn, nil
}

func (s *TCPServer) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [TCP] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
