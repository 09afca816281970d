package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Realtime     RealtimeConfig     `mapstructure:"realtime" yaml:"realtime"`
	Chat         ChatConfig         `mapstructure:"chat" yaml:"chat"`
	RemoteAccess RemoteAccessConfig `mapstructure:"remote_access" yaml:"remote_access"`
	Activity     ActivityConfig     `mapstructure:"activity" yaml:"activity"`
	WebRTC       WebRTCConfig       `mapstructure:"webrtc" yaml:"webrtc"`
	JWT          JWTConfig          `mapstructure:"jwt" yaml:"jwt"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring" yaml:"monitoring"`
	Security     SecurityConfig     `mapstructure:"security" yaml:"security"`
	Client       ClientConfig       `mapstructure:"client" yaml:"client"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`       // sqlite 文件路径或完整 DSN，设置后优先
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// PostgresDSN 拼接 postgres 连接串
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

// RealtimeConfig 推送通道参数
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MissedHeartbeats  int           `mapstructure:"missed_heartbeats" yaml:"missed_heartbeats"`
	WriteWait         time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	ReadLimit         int64         `mapstructure:"read_limit" yaml:"read_limit"`
	SendBuffer        int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	AllowAnonymous    bool          `mapstructure:"allow_anonymous" yaml:"allow_anonymous"` // 仅用于本地开发：允许不带 JWT 握手
}

// PongWait 读超时：连续错过 MissedHeartbeats 次心跳即视为断开
func (r RealtimeConfig) PongWait() time.Duration {
	missed := r.MissedHeartbeats
	if missed <= 0 {
		missed = 3
	}
	return r.HeartbeatInterval * time.Duration(missed)
}

type ChatConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DefaultAdminID   string        `mapstructure:"default_admin_id" yaml:"default_admin_id"`
	MaxMessageLength int           `mapstructure:"max_message_length" yaml:"max_message_length"`
}

// RemoteAccessConfig 远程协助会话超时策略
type RemoteAccessConfig struct {
	MaxDuration   time.Duration `mapstructure:"max_duration" yaml:"max_duration"`     // active 会话最长时长，0 表示不限
	PendingTTL    time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl"`       // pending 请求过期时间，0 表示永不过期
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"` // 超时扫描周期
}

type ActivityConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
	RecentLimit   int           `mapstructure:"recent_limit" yaml:"recent_limit"`
	RunningTTL    time.Duration `mapstructure:"running_ttl" yaml:"running_ttl"` // 超过该时长无终态的任务不再计入 activeWorkers，0 表示不清理
}

type WebRTCConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	STUNServer string `mapstructure:"stun_server" yaml:"stun_server"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "partnerhub"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool           `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int            `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int            `mapstructure:"burst" yaml:"burst"`
	Endpoints         []EndpointRate `mapstructure:"endpoints" yaml:"endpoints"`
	WhitelistIPs      []string       `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
}

// EndpointRate 按路径前缀的限流规则
type EndpointRate struct {
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// ClientConfig CLI watch/send 命令使用的客户端参数
type ClientConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffMin time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// Load 在默认配置之上解析 viper 中的配置
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验关键参数
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.Chat.PollInterval <= 0 {
		return fmt.Errorf("chat.poll_interval must be positive")
	}
	if c.RemoteAccess.MaxDuration < 0 || c.RemoteAccess.PendingTTL < 0 {
		return fmt.Errorf("remote_access timeouts must not be negative")
	}
	if c.Activity.RecentLimit <= 0 {
		return fmt.Errorf("activity.recent_limit must be positive")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "partnerhub",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 54 * time.Second,
			MissedHeartbeats:  3,
			WriteWait:         10 * time.Second,
			ReadLimit:         64 * 1024,
			SendBuffer:        256,
		},
		Chat: ChatConfig{
			PollInterval:     5 * time.Second,
			DefaultAdminID:   "admin",
			MaxMessageLength: 4000,
		},
		RemoteAccess: RemoteAccessConfig{
			MaxDuration:   2 * time.Hour,
			PendingTTL:    0,
			SweepInterval: time.Minute,
		},
		Activity: ActivityConfig{
			StatsInterval: 10 * time.Second,
			RecentLimit:   50,
			RunningTTL:    6 * time.Hour,
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			STUNServer: "stun:stun.l.google.com:19302",
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/partnerhub.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "partnerhub",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
				Endpoints: []EndpointRate{
					{Prefix: "/api/chat/rooms", RequestsPerMinute: 300, Burst: 30},
					{Prefix: "/api/ai/activity", RequestsPerMinute: 1200, Burst: 100},
				},
			},
		},
		Client: ClientConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
			BackoffMin: 500 * time.Millisecond,
			BackoffMax: 30 * time.Second,
		},
	}
}
