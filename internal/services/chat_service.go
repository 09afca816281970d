package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/internal/models"
	"partnerhub/pkg/protocol"
)

// ChatService 管理员与合作伙伴之间的一对一聊天
type ChatService struct {
	db       *gorm.DB
	notifier Notifier
	cfg      config.ChatConfig
	logger   *logrus.Logger

	roomLocks keyedMutex
}

// NewChatService 创建聊天服务
func NewChatService(db *gorm.DB, notifier Notifier, cfg config.ChatConfig, logger *logrus.Logger) *ChatService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChatService{db: db, notifier: notifier, cfg: cfg, logger: logger}
}

// OpenRoom 管理员打开与合作伙伴的会话；不存在时惰性创建，已归档时恢复
func (s *ChatService) OpenRoom(ctx context.Context, admin protocol.Identity, partnerID string) (*protocol.Room, error) {
	if admin.Role != protocol.RoleAdmin {
		return nil, forbiddenf("only admins open rooms")
	}
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	room, err := s.ensureRoom(ctx, partnerID, admin.ID)
	if err != nil {
		return nil, err
	}
	if room.ArchivedAt != nil {
		if err := s.db.WithContext(ctx).Model(room).Update("archived_at", nil).Error; err != nil {
			return nil, fmt.Errorf("unarchive room: %w", err)
		}
		room.ArchivedAt = nil
	}
	out := room.ToProtocol()
	return &out, nil
}

// ensureRoom returns the partner's room, creating it with adminID when missing.
func (s *ChatService) ensureRoom(ctx context.Context, partnerID, adminID string) (*models.Room, error) {
	unlock := s.roomLocks.Lock("partner:" + partnerID)
	defer unlock()

	var room models.Room
	err := s.db.WithContext(ctx).Where("partner_id = ?", partnerID).First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("query room: %w", err)
	}
	room = models.Room{AdminID: adminID, PartnerID: partnerID}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"room_id": room.ID, "partner_id": partnerID}).Info("Chat room created")
	return &room, nil
}

// ListRooms 管理员房间列表（附最后一条消息），按最近活动倒序
func (s *ChatService) ListRooms(ctx context.Context, admin protocol.Identity, includeArchived bool) ([]protocol.Room, error) {
	if admin.Role != protocol.RoleAdmin {
		return nil, forbiddenf("only admins list rooms")
	}
	q := s.db.WithContext(ctx).Model(&models.Room{})
	if !includeArchived {
		q = q.Where("archived_at IS NULL")
	}
	var rooms []models.Room
	if err := q.Order("updated_at DESC").Order("id DESC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		return []protocol.Room{}, nil
	}

	ids := make([]uint64, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	var last []models.Message
	err := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&models.Message{}).Select("MAX(id)").Where("room_id IN ?", ids).Group("room_id")).
		Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("load previews: %w", err)
	}
	previews := make(map[uint64]protocol.ChatMessage, len(last))
	for _, m := range last {
		previews[m.RoomID] = m.ToProtocol()
	}

	out := make([]protocol.Room, 0, len(rooms))
	for _, r := range rooms {
		pr := r.ToProtocol()
		if m, ok := previews[r.ID]; ok {
			m := m
			pr.LastMessage = &m
		}
		out = append(out, pr)
	}
	return out, nil
}

// ListMessages 按 id 升序返回房间消息；afterID>0 时只返回之后的消息
func (s *ChatService) ListMessages(ctx context.Context, caller protocol.Identity, roomID, afterID uint64, limit int) ([]protocol.ChatMessage, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRoom(room, caller); err != nil {
		return nil, err
	}
	return s.messages(ctx, roomID, afterID, limit)
}

func (s *ChatService) messages(ctx context.Context, roomID, afterID uint64, limit int) ([]protocol.ChatMessage, error) {
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Message
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]protocol.ChatMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.ToProtocol())
	}
	return out, nil
}

// MyRoom 合作伙伴自己的房间及消息；首次访问时以默认管理员创建
func (s *ChatService) MyRoom(ctx context.Context, partner protocol.Identity) (*protocol.Room, []protocol.ChatMessage, error) {
	if partner.Role != protocol.RolePartner {
		return nil, nil, forbiddenf("only partners have a personal room")
	}
	room, err := s.ensureRoom(ctx, partner.ID, s.cfg.DefaultAdminID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.messages(ctx, room.ID, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	pr := room.ToProtocol()
	return &pr, msgs, nil
}

// SendMessage 持久化一条消息并推送给房间双方。
// 携带 client_msg_id 的重复发送返回已存储的消息，created 为 false，且不重复推送。
func (s *ChatService) SendMessage(ctx context.Context, sender protocol.Identity, roomID uint64, req protocol.SendMessageRequest) (msg *protocol.ChatMessage, created bool, err error) {
	if err := req.Validate(s.cfg.MaxMessageLength); err != nil {
		return nil, false, invalidf("%v", err)
	}

	unlock := s.roomLocks.Lock("room:" + strconv.FormatUint(roomID, 10))
	defer unlock()

	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if err := authorizeRoom(room, sender); err != nil {
		return nil, false, err
	}

	var stored models.Message
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ClientMsgID != "" {
			var existing models.Message
			err := tx.Where("room_id = ? AND client_msg_id = ?", roomID, req.ClientMsgID).First(&existing).Error
			if err == nil {
				if existing.SenderID != sender.ID {
					return conflictf("client_msg_id already used in this room")
				}
				stored = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("dedupe lookup: %w", err)
			}
		}

		now := time.Now().UTC()
		var last models.Message
		if err := tx.Where("room_id = ?", roomID).Order("id DESC").Limit(1).Find(&last).Error; err != nil {
			return fmt.Errorf("load last message: %w", err)
		}
		// keep createdAt non-decreasing in id order even if the wall clock steps back
		if last.ID != 0 && now.Before(last.CreatedAt) {
			now = last.CreatedAt
		}

		stored = models.Message{
			RoomID:      roomID,
			SenderID:    sender.ID,
			SenderRole:  string(sender.Role),
			ContentType: string(req.ContentType),
			Payload:     req.Payload,
			CreatedAt:   now,
		}
		if req.ClientMsgID != "" {
			id := req.ClientMsgID
			stored.ClientMsgID = &id
		}
		if err := tx.Create(&stored).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		created = true

		updates := map[string]interface{}{"updated_at": now}
		if room.ArchivedAt != nil {
			updates["archived_at"] = nil
		}
		return tx.Model(&models.Room{}).Where("id = ?", roomID).Updates(updates).Error
	})
	if err != nil {
		return nil, false, err
	}

	out := stored.ToProtocol()
	if created {
		appmetrics.IncChatMessage(string(sender.Role))
		targets := room.ToProtocol().Participants()
		notify(s.notifier, s.logger, protocol.TypeChatMessage, out, targets[0], targets[1], sender)
	}
	return &out, created, nil
}

// ArchiveRoom 软归档；新消息会自动恢复房间
func (s *ChatService) ArchiveRoom(ctx context.Context, admin protocol.Identity, roomID uint64) (*protocol.Room, error) {
	if admin.Role != protocol.RoleAdmin {
		return nil, forbiddenf("only admins archive rooms")
	}
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.ArchivedAt == nil {
		now := time.Now().UTC()
		if err := s.db.WithContext(ctx).Model(room).Update("archived_at", now).Error; err != nil {
			return nil, fmt.Errorf("archive room: %w", err)
		}
		room.ArchivedAt = &now
	}
	out := room.ToProtocol()
	return &out, nil
}

// CountMessagesBetween 统计时间段内的消息数
func (s *ChatService) CountMessagesBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Count(&n).Error
	return n, err
}

func (s *ChatService) loadRoom(ctx context.Context, roomID uint64) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("room %d", roomID)
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	return &room, nil
}

// 管理员可访问任意房间；合作伙伴只能访问自己的房间
func authorizeRoom(room *models.Room, caller protocol.Identity) error {
	switch caller.Role {
	case protocol.RoleAdmin:
		return nil
	case protocol.RolePartner:
		if room.PartnerID == caller.ID {
			return nil
		}
	}
	return forbiddenf("room %d is not accessible", room.ID)
}
