// =============================================================================
// 文件: cmd/rdtp-receiver/main.go
// 描述: 接收端主程序 - 监听连接，逐会话重组交付，可选 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

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

	logLevel, _ := config.ParseLogLevel(cfg.LogLevel)
	m := metrics.New()

	handle := func(conn net.Conn) error {
		r := session.NewReceiver(conn, session.ReceiverConfig{
			MaxMsgSize: cfg.Receiver.MaxMsgSize,
			Adaptive:   cfg.Receiver.DynamicMsgSize,
			Timeout:    cfg.TimeoutDuration(),
			LogLevel:   logLevel,
		}, consoleSink{}, m)
		return r.Run()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(ctx, cfg, handle, logLevel)
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof, m)
		g.Go(func() error {
			return srv.Serve(ctx)
		})
		fmt.Printf("[INFO] Metrics: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	if err := g.Wait(); err != nil {
		fmt.Printf("[ERROR] 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, handle transport.SessionFunc, logLevel int) error {
	switch cfg.Receiver.Transport {
	case config.TransportWebSocket:
		return transport.NewWSServer(cfg.Receiver.Listen, cfg.Receiver.WSPath, handle, logLevel).Serve(ctx)
	default:
		return transport.NewTCPServer(cfg.Receiver.Listen, handle, logLevel).Serve(ctx)
	}
}

// consoleSink 把交付内容框起来打印到标准输出
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) {
	fmt.Printf("\n--- FINAL MESSAGE ---\n%s\n---------------------\n\n", string(p))
	return len(p), nil
}

// parseFlags 解析命令行参数，配置文件先加载，命令行参数覆盖
func parseFlags() *config.Config {
	configFile := flag.String("c", "", "配置文件路径 (YAML)")
	listen := flag.String("listen", "", "监听地址")
	maxSize := flag.Int("max-size", 0, "段大小上限")
	dynamic := flag.Bool("dynamic", false, "启用自适应段大小")
	timeout := flag.Int("timeout", 0, "会话超时 (秒)")
	trans := flag.String("transport", "", "传输模式: tcp / websocket")
	metricsOn := flag.Bool("metrics", false, "启用 Prometheus 指标")
	logLevel := flag.String("log", "", "日志级别: error / info / debug")
	showVersion := flag.Bool("version", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	flag.Parse()

	if *showVersion {
		fmt.Printf("RDTP Receiver v%s\n", Version)
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

	if *listen != "" {
		cfg.Receiver.Listen = *listen
	}
	if *maxSize != 0 {
		cfg.Receiver.MaxMsgSize = *maxSize
	}
	if *dynamic {
		cfg.Receiver.DynamicMsgSize = true
	}
	if *timeout != 0 {
		cfg.Timeout = *timeout
	}
	if *trans != "" {
		cfg.Receiver.Transport = *trans
	}
	if *metricsOn {
		cfg.Metrics.Enabled = true
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
	fmt.Printf("  RDTP Receiver v%s\n", Version)
	fmt.Printf("  监听: %s (%s)\n", cfg.Receiver.Listen, cfg.Receiver.Transport)
	fmt.Printf("  段大小: %d  自适应: %v  超时: %ds\n",
		cfg.Receiver.MaxMsgSize, cfg.Receiver.DynamicMsgSize, cfg.Timeout)
	fmt.Println("==============================================")
}
