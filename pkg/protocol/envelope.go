package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 推送通道上的消息类型
const (
	TypeChatMessage   = "chat_message"
	TypeSessionStatus = "session_status"
	TypeAIActivity    = "ai_activity"
	TypeAIStats       = "ai_stats"
	TypeSystem        = "system"
)

// KnownType reports whether t is one of the envelope types consumed by the core.
func KnownType(t string) bool {
	switch t {
	case TypeChatMessage, TypeSessionStatus, TypeAIActivity, TypeAIStats, TypeSystem:
		return true
	}
	return false
}

// 握手查询参数
const (
	QueryUserID = "userId"
	QueryRole   = "role"
)

// Role 身份角色
type Role string

const (
	RoleAdmin   Role = "admin"
	RolePartner Role = "partner"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RolePartner
}

// Identity 已认证的参与者
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Validate 校验身份字段均非空且角色合法
func (i Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if i.Role == "" {
		return fmt.Errorf("identity role is required")
	}
	if !i.Role.Valid() {
		return fmt.Errorf("unknown role %q", i.Role)
	}
	return nil
}

// Key 用作连接表的主键
func (i Identity) Key() string {
	return string(i.Role) + ":" + i.ID
}

func (i Identity) String() string { return i.Key() }

// Envelope 推送通道上的统一消息格式 {type, data}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope 将 payload 编码为信封
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Decode 将 data 解码到 v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// System notice events carried in TypeSystem envelopes.
const (
	SystemWelcome      = "welcome"
	SystemSuperseded   = "superseded"
	SystemViewerState  = "viewer_state"
	SystemViewerClosed = "viewer_closed"
)

// SystemNotice 系统通知
type SystemNotice struct {
	Event     string                 `json:"event"`
	Epoch     uint64                 `json:"epoch,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
