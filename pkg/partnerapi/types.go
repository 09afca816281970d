package partnerapi

import (
	"encoding/json"
	"time"

	"partnerhub/pkg/protocol"
)

// Config REST 客户端配置
type Config struct {
	BaseURL    string        `json:"base_url"`
	Token      string        `json:"token"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8080",
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// response 服务端统一响应 {success, data, message}
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// MyRoom 合作伙伴自己的会话及消息
type MyRoom struct {
	Room     protocol.Room          `json:"room"`
	Messages []protocol.ChatMessage `json:"messages"`
}
