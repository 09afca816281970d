package models

import (
	"time"

	"gorm.io/gorm"

	"partnerhub/pkg/protocol"
)

// 管理员与合作伙伴之间的会话房间，每个合作伙伴唯一
type Room struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AdminID    string     `gorm:"index;not null" json:"admin_id"`
	PartnerID  string     `gorm:"uniqueIndex;not null" json:"partner_id"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (r Room) ToProtocol() protocol.Room {
	return protocol.Room{
		ID:         r.ID,
		AdminID:    r.AdminID,
		PartnerID:  r.PartnerID,
		ArchivedAt: r.ArchivedAt,
		CreatedAt:  r.CreatedAt,
	}
}

// 聊天消息，id 由数据库分配且在房间内单调递增
type Message struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID      uint64    `gorm:"index:idx_messages_room_id;uniqueIndex:idx_messages_room_client;not null" json:"room_id"`
	SenderID    string    `gorm:"not null" json:"sender_id"`
	SenderRole  string    `gorm:"size:16;not null" json:"sender_role"`
	ContentType string    `gorm:"size:16;default:'text'" json:"content_type"` // text, file
	Payload     string    `gorm:"type:text" json:"payload"`
	ClientMsgID *string   `gorm:"size:64;uniqueIndex:idx_messages_room_client" json:"client_msg_id,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (m Message) ToProtocol() protocol.ChatMessage {
	out := protocol.ChatMessage{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		SenderRole:  protocol.Role(m.SenderRole),
		ContentType: protocol.ContentType(m.ContentType),
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
	}
	if m.ClientMsgID != nil {
		out.ClientMsgID = *m.ClientMsgID
	}
	return out
}

// 远程协助会话
type RemoteSession struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	PartnerID         string     `gorm:"index;not null" json:"partner_id"`
	AdminID           string     `gorm:"index;not null" json:"admin_id"`
	Status            string     `gorm:"size:16;index;default:'pending'" json:"status"` // pending, active, ended
	ViewOnly          bool       `json:"view_only"`
	CanEdit           bool       `json:"can_edit"`
	CanExecuteActions bool       `json:"can_execute_actions"`
	RequestedAt       time.Time  `json:"requested_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	EndReason         string     `gorm:"size:32" json:"end_reason,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (s RemoteSession) ToProtocol() protocol.RemoteSession {
	return protocol.RemoteSession{
		ID:        s.ID,
		PartnerID: s.PartnerID,
		AdminID:   s.AdminID,
		Status:    protocol.SessionStatus(s.Status),
		Permissions: protocol.Permissions{
			ViewOnly:          s.ViewOnly,
			CanEdit:           s.CanEdit,
			CanExecuteActions: s.CanExecuteActions,
		},
		RequestedAt: s.RequestedAt,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		EndReason:   s.EndReason,
	}
}

// AI 任务事件，id 为 ULID，按字典序即时间序
type ActivityEvent struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"`
	TaskID     string    `gorm:"index;size:64" json:"task_id"`
	Type       string    `gorm:"size:32;not null" json:"type"`
	Status     string    `gorm:"size:16;index;not null" json:"status"`
	PartnerID  string    `gorm:"index" json:"partner_id"`
	Progress   *float64  `json:"progress,omitempty"`
	DurationMs int64     `gorm:"default:0" json:"duration_ms"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
}

func (e ActivityEvent) ToProtocol() protocol.ActivityEvent {
	return protocol.ActivityEvent{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Timestamp:  e.Timestamp,
		Type:       protocol.TaskType(e.Type),
		Status:     protocol.TaskStatus(e.Status),
		PartnerID:  e.PartnerID,
		Progress:   e.Progress,
		DurationMs: e.DurationMs,
	}
}

// 每日 AI 活动统计
type DailyActivityStats struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Date              time.Time `gorm:"uniqueIndex" json:"date"`
	CompletedTasks    int64     `gorm:"default:0" json:"completed_tasks"`
	FailedTasks       int64     `gorm:"default:0" json:"failed_tasks"`
	AvgProcessingTime float64   `gorm:"default:0" json:"avg_processing_time"` // 毫秒
	PeakQueueDepth    int       `gorm:"default:0" json:"peak_queue_depth"`
	RemoteSessions    int64     `gorm:"default:0" json:"remote_sessions"`
	ChatMessages      int64     `gorm:"default:0" json:"chat_messages"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Room{},
		&Message{},
		&RemoteSession{},
		&ActivityEvent{},
		&DailyActivityStats{},
	}
}

// Migrate 自动迁移并补充复合索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_remote_sessions_partner_status ON remote_sessions(partner_id, status)",
		// 每个合作伙伴至多一个 pending/active 会话
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_remote_sessions_open_partner ON remote_sessions(partner_id) WHERE status IN ('pending', 'active')",
		"CREATE INDEX IF NOT EXISTS idx_activity_events_status_timestamp ON activity_events(status, timestamp)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
