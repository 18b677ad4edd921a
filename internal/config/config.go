package config

import (
	"fmt"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/network"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Signatures SignaturesConfig `mapstructure:"signatures"`
	ADB        ADBConfig        `mapstructure:"adb"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

// RabbitMQConfig Host 为空时不启用队列，扫描直接提交到 worker 池
type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// Enabled 是否配置了 RabbitMQ
func (c RabbitMQConfig) Enabled() bool {
	return c.Host != ""
}

// URL AMQP 连接串
func (c RabbitMQConfig) URL() string {
	vhost := c.VHost
	if vhost == "" || vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// 数据源
const (
	SourceADB      = "adb"      // 通过 adb 采集设备状态
	SourceSnapshot = "snapshot" // 读取 YAML 快照（离线回放）
)

// ScanConfig 扫描参数
type ScanConfig struct {
	Source             string   `mapstructure:"source"`
	SnapshotPath       string   `mapstructure:"snapshot_path"`
	HostNetwork        bool     `mapstructure:"host_network"` // 网络探测在本机执行（程序运行在设备上时）
	HostFiles          bool     `mapstructure:"host_files"`   // 文件扫描读取本机 scan_roots
	DefaultDepth       string   `mapstructure:"default_depth"`
	PortProbeTimeoutMS int      `mapstructure:"port_probe_timeout_ms"`
	ProbePorts         []int    `mapstructure:"probe_ports"`
	DangerousPorts     []int    `mapstructure:"dangerous_ports"`
	PortConcurrency    int      `mapstructure:"port_concurrency"`
	HashSizeLimitMB    int64    `mapstructure:"hash_size_limit_mb"`
	ScanRoots          []string `mapstructure:"scan_roots"`
}

// PortProbeTimeout 单个端口探测超时
func (c ScanConfig) PortProbeTimeout() time.Duration {
	return time.Duration(c.PortProbeTimeoutMS) * time.Millisecond
}

// HashSizeLimit 单文件哈希上限（字节）
func (c ScanConfig) HashSizeLimit() int64 {
	return c.HashSizeLimitMB << 20
}

// SignaturesConfig 特征库文件
type SignaturesConfig struct {
	Path       string `mapstructure:"path"`
	Watch      bool   `mapstructure:"watch"`
	DebounceMS int    `mapstructure:"debounce_ms"`
}

// Debounce 文件变更去抖时间
func (c SignaturesConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

type ADBConfig struct {
	Path        string `mapstructure:"path"` // adb 可执行文件
	Target      string `mapstructure:"target"`
	Timeout     int    `mapstructure:"timeout"`      // seconds
	HashAPKs    bool   `mapstructure:"hash_apks"`    // 为第三方应用计算 APK 哈希
	HealthCheck int    `mapstructure:"health_check"` // seconds，0 关闭
}

// HealthCheckInterval 连接检查间隔
func (c ADBConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheck) * time.Second
}

// CommandTimeout 单条 shell 命令超时
func (c ADBConfig) CommandTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Validate 检查会导致扫描无法进行的配置
func (c *Config) Validate() error {
	if _, err := domain.ParseScanDepth(c.Scan.DefaultDepth); err != nil {
		return fmt.Errorf("scan.default_depth: %w", err)
	}
	switch c.Scan.Source {
	case SourceADB:
	case SourceSnapshot:
		if c.Scan.SnapshotPath == "" {
			return fmt.Errorf("scan.snapshot_path is required for snapshot source: %w", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("unknown scan.source %q: %w", c.Scan.Source, domain.ErrConfiguration)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive: %w", domain.ErrConfiguration)
	}
	for _, p := range append(append([]int{}, c.Scan.ProbePorts...), c.Scan.DangerousPorts...) {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %d: %w", p, domain.ErrConfiguration)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/scans.db")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.queue", "device_scans")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scan.source", SourceADB)
	v.SetDefault("scan.default_depth", string(domain.ScanDepthQuick))
	v.SetDefault("scan.port_probe_timeout_ms", 50)
	v.SetDefault("scan.port_concurrency", 8)
	v.SetDefault("scan.hash_size_limit_mb", 50)
	v.SetDefault("scan.scan_roots", []string{"/sdcard/Download", "/sdcard/Documents"})
	v.SetDefault("signatures.watch", true)
	v.SetDefault("signatures.debounce_ms", 500)
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.timeout", 15)
	v.SetDefault("adb.hash_apks", true)
	v.SetDefault("adb.health_check", 30)
}

// Load 读取配置文件；.env 先于环境变量加载，path 为空时只用默认值和环境变量
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.type", "DB_TYPE")
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 扫描相关
	v.BindEnv("adb.target", "ADB_TARGET")
	v.BindEnv("scan.source", "SCAN_SOURCE")
	v.BindEnv("scan.snapshot_path", "SNAPSHOT_PATH")
	v.BindEnv("signatures.path", "SIGNATURES_PATH")
	v.BindEnv("log.level", "LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NetworkOptions 端口探测参数，未配置的项沿用默认值
func (c ScanConfig) NetworkOptions() network.Options {
	opts := network.DefaultOptions()
	if len(c.ProbePorts) > 0 {
		opts.ProbePorts = c.ProbePorts
	}
	if len(c.DangerousPorts) > 0 {
		opts.DangerousPorts = c.DangerousPorts
	}
	if c.PortProbeTimeoutMS > 0 {
		opts.ProbeTimeout = c.PortProbeTimeout()
	}
	if c.PortConcurrency > 0 {
		opts.Concurrency = c.PortConcurrency
	}
	return opts
}
