// Package config 从环境变量读取默认配置，再用命令行参数覆盖。
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/world"
)

// 运行模式
const (
	ModeLocal  = "local"  // 同一进程内运行服务器与客户端
	ModeServer = "server" // 只运行服务器
	ModeClient = "client" // 连接远程服务器
)

// 网络传输
const (
	TransportTCP  = "tcp"
	TransportWS   = "ws"
	TransportGRPC = "grpc"
)

type Config struct {
	Mode         string        `env:"PONYCA_MODE" envDefault:"local"`
	Addr         string        `env:"PONYCA_ADDR" envDefault:"127.0.0.1:9999"`
	Transport    string        `env:"PONYCA_TRANSPORT" envDefault:"tcp"`
	Catalog      string        `env:"PONYCA_CATALOG"` // 为空时使用内置目录
	Workers      int64         `env:"PONYCA_WORKERS"`
	FetchTimeout time.Duration `env:"PONYCA_FETCH_TIMEOUT"`
	DebugAddr    string        `env:"PONYCA_DEBUG_ADDR"`
	JournalPath  string        `env:"PONYCA_JOURNAL"`
	LogLevel     string        `env:"PONYCA_LOG_LEVEL" envDefault:"info"`
	Username     string        `env:"PONYCA_USERNAME" envDefault:"pony"`
	Password     string        `env:"PONYCA_PASSWORD"`
}

// ParseEnv 从环境变量填充 target
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseConfig 先读环境变量，再解析 args。未出现在 args 中的参数保留环境变量的值。
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("flag parser is required")
	}
	cfg := Config{
		Workers:      router.DefaultWorkers,
		FetchTimeout: world.DefaultFetchTimeout,
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "run mode: local, server or client")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen or dial address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "network transport: tcp, ws or grpc")
	fs.StringVar(&cfg.Catalog, "catalog", cfg.Catalog, "message catalog file, empty for the built-in one")
	fs.Int64Var(&cfg.Workers, "workers", cfg.Workers, "maximum concurrent handlers per router")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "chunk fetch timeout")
	fs.StringVar(&cfg.DebugAddr, "debug", cfg.DebugAddr, "debug HTTP address, empty to disable")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "sqlite journal path, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level: debug, info, warn, error or disabled")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "client login name")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "client login password")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Level 返回日志级别
func (c Config) Level() int {
	return log.ParseLevel(c.LogLevel)
}

// Validate 检查枚举值与数值范围
func (c Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeServer, ModeClient:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	switch c.Transport {
	case TransportTCP, TransportWS, TransportGRPC:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "disabled", "off", "none":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	return nil
}
