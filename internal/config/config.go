// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 会话参数显式注入引擎，核心不读任何全局状态
// =============================================================================
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 传输模式
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`
	Timeout  int    `yaml:"timeout"` // 会话/重传超时 (秒)

	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SenderConfig 发送端配置
type SenderConfig struct {
	Message    string `yaml:"message"`     // 待传输的消息文件
	Server     string `yaml:"server"`      // 接收端地址
	WindowSize int    `yaml:"window_size"` // 滑动窗口大小 (段数)
	Transport  string `yaml:"transport"`   // tcp / websocket
	WSPath     string `yaml:"ws_path"`
}

// ReceiverConfig 接收端配置
type ReceiverConfig struct {
	Listen         string `yaml:"listen"`
	MaxMsgSize     int    `yaml:"max_msg_size"`     // 段大小上限
	DynamicMsgSize bool   `yaml:"dynamic_msg_size"` // 自适应段大小
	Transport      string `yaml:"transport"`
	WSPath         string `yaml:"ws_path"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Timeout:  5,
		Sender: SenderConfig{
			Message:    "message.txt",
			Server:     "localhost:12345",
			WindowSize: 4,
			Transport:  TransportTCP,
			WSPath:     "/transfer",
		},
		Receiver: ReceiverConfig{
			Listen:         ":12345",
			MaxMsgSize:     400,
			DynamicMsgSize: false,
			Transport:      TransportTCP,
			WSPath:         "/transfer",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9090",
			Path:       "/metrics",
			HealthPath: "/healthz",
		},
	}
}

// Load 读取 YAML 配置文件，未出现的字段保持默认值
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
// 引擎只依赖这里的正数约束，不做进一步检查
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout 必须为正数: %d", c.Timeout)
	}
	if c.Sender.WindowSize <= 0 {
		return fmt.Errorf("sender.window_size 必须为正数: %d", c.Sender.WindowSize)
	}
	if c.Receiver.MaxMsgSize <= 0 {
		return fmt.Errorf("receiver.max_msg_size 必须为正数: %d", c.Receiver.MaxMsgSize)
	}
	if err := validTransport(c.Sender.Transport); err != nil {
		return fmt.Errorf("sender.transport 无效: %v", err)
	}
	if err := validTransport(c.Receiver.Transport); err != nil {
		return fmt.Errorf("receiver.transport 无效: %v", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func validTransport(t string) error {
	switch t {
	case TransportTCP, TransportWebSocket:
		return nil
	default:
		return fmt.Errorf("未知传输模式: %q (支持 tcp / websocket)", t)
	}
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# RDTP 配置文件示例
# =============================================================================

# 基础配置
log_level: "info"                   # 日志级别: error, info, debug
timeout: 5                          # 会话/重传超时 (秒)

# 发送端
sender:
  message: "message.txt"            # 待传输的消息文件
  server: "localhost:12345"         # 接收端地址
  window_size: 4                    # 滑动窗口大小 (段数)
  transport: "tcp"                  # 传输模式: tcp, websocket
  ws_path: "/transfer"              # WebSocket 路径

# 接收端
receiver:
  listen: ":12345"                  # 监听地址
  max_msg_size: 400                 # 段大小上限 (字节)
  dynamic_msg_size: false           # 自适应段大小
  transport: "tcp"
  ws_path: "/transfer"

# 监控
metrics:
  enabled: false
  listen: ":9090"                   # 监控监听地址
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/healthz"           # 健康检查路径
  enable_pprof: false               # pprof 调试接口
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}

// TimeoutDuration 超时时长
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ParseLogLevel 解析日志级别: error=0 info=1 debug=2
func ParseLogLevel(s string) (int, error) {
	switch s {
	case "error":
		return 0, nil
	case "", "info":
		return 1, nil
	case "debug":
		return 2, nil
	default:
		return 0, fmt.Errorf("未知日志级别: %q (支持 error / info / debug)", s)
	}
}
