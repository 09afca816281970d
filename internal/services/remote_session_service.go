package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/internal/models"
	"partnerhub/pkg/protocol"
)

// RemoteSessionService 受监督的远程协助会话：request → approve → active → ended
type RemoteSessionService struct {
	db       *gorm.DB
	notifier Notifier
	viewer   *ViewerService
	cfg      config.RemoteAccessConfig
	logger   *logrus.Logger

	partnerLocks keyedMutex
	now          func() time.Time
}

// NewRemoteSessionService 创建远程协助服务；viewer 可为 nil
func NewRemoteSessionService(db *gorm.DB, notifier Notifier, viewer *ViewerService, cfg config.RemoteAccessConfig, logger *logrus.Logger) *RemoteSessionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RemoteSessionService{
		db:       db,
		notifier: notifier,
		viewer:   viewer,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestAccess 管理员发起访问请求。权限组合非法时拒绝而不修正；
// 合作伙伴已有 pending/active 会话时返回 ErrConflict 且不改动已有会话。
func (s *RemoteSessionService) RequestAccess(ctx context.Context, admin protocol.Identity, req protocol.AccessRequest) (*protocol.RemoteSession, error) {
	if admin.Role != protocol.RoleAdmin {
		return nil, forbiddenf("only admins request access")
	}
	partnerID := strings.TrimSpace(req.PartnerID)
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	if err := req.Permissions.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}

	unlock := s.partnerLocks.Lock(partnerID)
	defer unlock()

	session := models.RemoteSession{
		ID:                uuid.NewString(),
		PartnerID:         partnerID,
		AdminID:           admin.ID,
		Status:            string(protocol.SessionPending),
		ViewOnly:          req.Permissions.ViewOnly,
		CanEdit:           req.Permissions.CanEdit,
		CanExecuteActions: req.Permissions.CanExecuteActions,
		RequestedAt:       s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.RemoteSession{}).
			Where("partner_id = ? AND status IN ?", partnerID, openStatuses()).
			Count(&open).Error; err != nil {
			return fmt.Errorf("count open sessions: %w", err)
		}
		if open > 0 {
			return conflictf("partner %s already has an open session", partnerID)
		}
		if err := tx.Create(&session).Error; err != nil {
			// the partial unique index catches a concurrent writer on another node
			if isUniqueViolation(err) {
				return conflictf("partner %s already has an open session", partnerID)
			}
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := session.ToProtocol()
	s.logger.WithFields(logrus.Fields{"session_id": out.ID, "partner_id": partnerID, "admin_id": admin.ID}).Info("Remote access requested")
	s.publish(out)
	return &out, nil
}

// Respond 合作伙伴批准或拒绝；会话已非 pending 时原样返回
func (s *RemoteSessionService) Respond(ctx context.Context, partner protocol.Identity, sessionID string, accept bool) (*protocol.RemoteSession, error) {
	if partner.Role != protocol.RolePartner {
		return nil, forbiddenf("only the partner responds to a request")
	}
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PartnerID != partner.ID {
		return nil, forbiddenf("session %s belongs to another partner", sessionID)
	}

	unlock := s.partnerLocks.Lock(session.PartnerID)
	defer unlock()

	now := s.now()
	var updates map[string]interface{}
	if accept {
		updates = map[string]interface{}{"status": string(protocol.SessionActive), "started_at": now}
	} else {
		updates = map[string]interface{}{"status": string(protocol.SessionEnded), "ended_at": now, "end_reason": protocol.EndReasonDenied}
	}
	return s.transition(ctx, sessionID, protocol.SessionPending, updates)
}

// EndSession 任一方结束会话；已结束时幂等返回，endedAt 只记录一次
func (s *RemoteSessionService) EndSession(ctx context.Context, caller protocol.Identity, sessionID string) (*protocol.RemoteSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(session, caller); err != nil {
		return nil, err
	}
	switch protocol.SessionStatus(session.Status) {
	case protocol.SessionEnded:
		out := session.ToProtocol()
		return &out, nil
	case protocol.SessionPending:
		return nil, conflictf("session %s is still pending", sessionID)
	}

	unlock := s.partnerLocks.Lock(session.PartnerID)
	defer unlock()

	return s.transition(ctx, sessionID, protocol.SessionActive, map[string]interface{}{
		"status":     string(protocol.SessionEnded),
		"ended_at":   s.now(),
		"end_reason": protocol.EndReasonEnded,
	})
}

// transition applies updates only when the row is still in from; a lost race
// returns the current row unchanged.
func (s *RemoteSessionService) transition(ctx context.Context, sessionID string, from protocol.SessionStatus, updates map[string]interface{}) (*protocol.RemoteSession, error) {
	to := protocol.SessionStatus(updates["status"].(string))
	if !protocol.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res := s.db.WithContext(ctx).Model(&models.RemoteSession{}).
		Where("id = ? AND status = ?", sessionID, string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update session: %w", res.Error)
	}
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := session.ToProtocol()
	if res.RowsAffected == 0 {
		return &out, nil
	}

	appmetrics.IncSessionTransition(string(to))
	s.logger.WithFields(logrus.Fields{"session_id": sessionID, "from": from, "to": to, "reason": out.EndReason}).Info("Remote session transitioned")
	if to == protocol.SessionEnded && s.viewer != nil {
		s.viewer.Close(sessionID)
	}
	s.publish(out)
	return &out, nil
}

// GetSession 查询单个会话
func (s *RemoteSessionService) GetSession(ctx context.Context, caller protocol.Identity, sessionID string) (*protocol.RemoteSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(session, caller); err != nil {
		return nil, err
	}
	out := session.ToProtocol()
	return &out, nil
}

// ListSessions 管理员看到自己发起的会话，合作伙伴看到自己的会话；按请求时间倒序
func (s *RemoteSessionService) ListSessions(ctx context.Context, caller protocol.Identity, status string) ([]protocol.RemoteSession, error) {
	q := s.db.WithContext(ctx).Model(&models.RemoteSession{})
	switch caller.Role {
	case protocol.RoleAdmin:
		q = q.Where("admin_id = ?", caller.ID)
	case protocol.RolePartner:
		q = q.Where("partner_id = ?", caller.ID)
	default:
		return nil, forbiddenf("unknown role")
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.RemoteSession
	if err := q.Order("requested_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]protocol.RemoteSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToProtocol())
	}
	return out, nil
}

// OfferViewer 为 active 会话建立查看通道，仅该会话的管理员可发起
func (s *RemoteSessionService) OfferViewer(ctx context.Context, admin protocol.Identity, sessionID string, offer protocol.ViewerOffer) (*protocol.ViewerOffer, error) {
	if s.viewer == nil {
		return nil, conflictf("viewer channel disabled")
	}
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if admin.Role != protocol.RoleAdmin || session.AdminID != admin.ID {
		return nil, forbiddenf("only the requesting admin opens the viewer")
	}
	if protocol.SessionStatus(session.Status) != protocol.SessionActive {
		return nil, conflictf("session %s is %s", sessionID, session.Status)
	}
	if strings.TrimSpace(offer.SDP) == "" {
		return nil, invalidf("sdp is required")
	}
	answer, err := s.viewer.Open(ctx, session.ToProtocol(), offer)
	if err != nil {
		return nil, err
	}
	// EndSession may have committed while ICE was gathering; its viewer.Close
	// then found nothing to close, so the fresh peer is torn down here.
	current, err := s.load(ctx, sessionID)
	if err != nil || protocol.SessionStatus(current.Status) != protocol.SessionActive {
		s.viewer.Close(sessionID)
		if err != nil {
			return nil, err
		}
		return nil, conflictf("session %s ended while opening viewer", sessionID)
	}
	return answer, nil
}

// ExpireStale 结束超时会话：pending 超过 PendingTTL（0 表示不过期），
// active 超过 MaxDuration（0 表示不限）。返回结束的会话数。
func (s *RemoteSessionService) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	ended := 0

	type rule struct {
		enabled bool
		from    protocol.SessionStatus
		column  string
		cutoff  time.Time
		reason  string
	}
	rules := []rule{
		{s.cfg.PendingTTL > 0, protocol.SessionPending, "requested_at", now.Add(-s.cfg.PendingTTL), protocol.EndReasonExpired},
		{s.cfg.MaxDuration > 0, protocol.SessionActive, "started_at", now.Add(-s.cfg.MaxDuration), protocol.EndReasonTimeout},
	}
	for _, r := range rules {
		if !r.enabled {
			continue
		}
		var stale []models.RemoteSession
		if err := s.db.WithContext(ctx).
			Where("status = ? AND "+r.column+" < ?", string(r.from), r.cutoff).
			Find(&stale).Error; err != nil {
			return ended, fmt.Errorf("query stale %s sessions: %w", r.from, err)
		}
		for _, st := range stale {
			unlock := s.partnerLocks.Lock(st.PartnerID)
			out, err := s.transition(ctx, st.ID, r.from, map[string]interface{}{
				"status":     string(protocol.SessionEnded),
				"ended_at":   now,
				"end_reason": r.reason,
			})
			unlock()
			if err != nil {
				s.logger.Errorf("Failed to expire session %s: %v", st.ID, err)
				continue
			}
			if out.Status == protocol.SessionEnded && out.EndReason == r.reason {
				ended++
			}
		}
	}
	return ended, nil
}

// StartTimeoutMonitor 周期执行 ExpireStale，直到 ctx 结束
func (s *RemoteSessionService) StartTimeoutMonitor(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.ExpireStale(ctx); err != nil {
			s.logger.Errorf("Remote session sweep failed: %v", err)
		} else if n > 0 {
			s.logger.Infof("Remote session sweep ended %d session(s)", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CountRequestedBetween 统计时间段内发起的会话数
func (s *RemoteSessionService) CountRequestedBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.RemoteSession{}).
		Where("requested_at >= ? AND requested_at < ?", from, to).
		Count(&n).Error
	return n, err
}

func (s *RemoteSessionService) publish(session protocol.RemoteSession) {
	notify(s.notifier, s.logger, protocol.TypeSessionStatus, session,
		protocol.Identity{ID: session.AdminID, Role: protocol.RoleAdmin},
		protocol.Identity{ID: session.PartnerID, Role: protocol.RolePartner},
	)
}

func (s *RemoteSessionService) load(ctx context.Context, sessionID string) (*models.RemoteSession, error) {
	var session models.RemoteSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("session %s", sessionID)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

func authorizeSession(session *models.RemoteSession, caller protocol.Identity) error {
	switch {
	case caller.Role == protocol.RoleAdmin && session.AdminID == caller.ID:
		return nil
	case caller.Role == protocol.RolePartner && session.PartnerID == caller.ID:
		return nil
	}
	return forbiddenf("not a participant of session %s", session.ID)
}

func openStatuses() []string {
	return []string{string(protocol.SessionPending), string(protocol.SessionActive)}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
