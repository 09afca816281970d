package protocol

import (
	"fmt"
	"strings"
	"time"
)

// ContentType 消息内容类型
type ContentType string

const (
	ContentText ContentType = "text"
	ContentFile ContentType = "file"
)

func (c ContentType) Valid() bool {
	return c == ContentText || c == ContentFile
}

// ChatMessage 聊天消息（服务端确认后的不可变记录）
type ChatMessage struct {
	ID          uint64      `json:"id"`
	RoomID      uint64      `json:"room_id"`
	SenderID    string      `json:"sender_id"`
	SenderRole  Role        `json:"sender_role"`
	ContentType ContentType `json:"content_type"`
	Payload     string      `json:"payload"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Room 管理员与合作伙伴之间的一对一会话
type Room struct {
	ID          uint64       `json:"id"`
	AdminID     string       `json:"admin_id"`
	PartnerID   string       `json:"partner_id"`
	ArchivedAt  *time.Time   `json:"archived_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastMessage *ChatMessage `json:"last_message,omitempty"`
}

// Participants returns the two identities bound to the room.
func (r Room) Participants() [2]Identity {
	return [2]Identity{
		{ID: r.AdminID, Role: RoleAdmin},
		{ID: r.PartnerID, Role: RolePartner},
	}
}

// OpenRoomRequest 管理员打开（惰性创建）会话
type OpenRoomRequest struct {
	PartnerID string `json:"partner_id" binding:"required"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	ContentType ContentType `json:"content_type"`
	Payload     string      `json:"payload"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

// Validate 在任何网络调用之前拒绝空内容
func (r *SendMessageRequest) Validate(maxLen int) error {
	if r.ContentType == "" {
		r.ContentType = ContentText
	}
	if !r.ContentType.Valid() {
		return fmt.Errorf("unsupported content type %q", r.ContentType)
	}
	if strings.TrimSpace(r.Payload) == "" {
		return fmt.Errorf("message content is empty")
	}
	if maxLen > 0 && len(r.Payload) > maxLen {
		return fmt.Errorf("message content exceeds %d bytes", maxLen)
	}
	return nil
}
