// =============================================================================
// 文件: cmd/rdtp-sender/main.go
// 描述: 发送端主程序 - 读入消息文件，建立连接并执行传输会话
// =============================================================================
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/mrcgq/rdtp/internal/config"
	"github.com/mrcgq/rdtp/internal/metrics"
	"github.com/mrcgq/rdtp/internal/session"
	"github.com/mrcgq/rdtp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	cfg := parseFlags()

	printBanner(cfg)

	// 核心不做文件 IO: 消息文件在这里整体读入内存
	source, err := os.ReadFile(cfg.Sender.Message)
	if err != nil {
		fmt.Printf("[ERROR] 读取消息文件失败: %v\n", err)
		os.Exit(1)
	}

	conn, err := dial(cfg)
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	logLevel, _ := config.ParseLogLevel(cfg.LogLevel)
	m := metrics.New()
	sender := session.NewSender(conn, session.SenderConfig{
		WindowSize: cfg.Sender.WindowSize,
		Timeout:    cfg.TimeoutDuration(),
		LogLevel:   logLevel,
	}, m)

	if err := sender.Run(string(source)); err != nil {
		fmt.Printf("[ERROR] 会话失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("[INFO] 发送统计: 段 %d, 字节 %d, 重传 %d, 确认 %d, 用时 %s\n",
		m.GetSegmentsSent(), m.GetBytesSent(), m.GetRetransmits(),
		m.GetAcksReceived(), m.GetUptime().Round(time.Millisecond))
}

func dial(cfg *config.Config) (net.Conn, error) {
	switch cfg.Sender.Transport {
	case config.TransportWebSocket:
		return transport.DialWS(cfg.Sender.Server, cfg.Sender.WSPath, cfg.TimeoutDuration())
	default:
		return transport.DialTCP(cfg.Sender.Server, cfg.TimeoutDuration())
	}
}

// parseFlags 解析命令行参数，配置文件先加载，命令行参数覆盖
func parseFlags() *config.Config {
	configFile := flag.String("c", "", "配置文件路径 (YAML)")
	server := flag.String("server", "", "接收端地址")
	message := flag.String("message", "", "消息文件路径")
	window := flag.Int("window", 0, "滑动窗口大小")
	timeout := flag.Int("timeout", 0, "会话超时 (秒)")
	trans := flag.String("transport", "", "传输模式: tcp / websocket")
	logLevel := flag.String("log", "", "日志级别: error / info / debug")
	showVersion := flag.Bool("version", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	flag.Parse()

	if *showVersion {
		fmt.Printf("RDTP Sender v%s\n", Version)
		fmt.Printf("Build: %s\n", BuildTime)
		fmt.Printf("Go: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Printf("[ERROR] 生成示例配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Printf("[ERROR] %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *server != "" {
		cfg.Sender.Server = *server
	}
	if *message != "" {
		cfg.Sender.Message = *message
	}
	if *window != 0 {
		cfg.Sender.WindowSize = *window
	}
	if *timeout != 0 {
		cfg.Timeout = *timeout
	}
	if *trans != "" {
		cfg.Sender.Transport = *trans
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("[ERROR] 配置无效: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printBanner(cfg *config.Config) {
	fmt.Println("==============================================")
	fmt.Printf("  RDTP Sender v%s\n", Version)
	fmt.Printf("  目标: %s (%s)\n", cfg.Sender.Server, cfg.Sender.Transport)
	fmt.Printf("  窗口: %d  超时: %ds\n", cfg.Sender.WindowSize, cfg.Timeout)
	fmt.Println("==============================================")
}
