package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// RemoteAPI 远程协助相关的 REST 调用
type RemoteAPI interface {
	RequestAccess(ctx context.Context, req protocol.AccessRequest) (*protocol.RemoteSession, error)
	RespondAccess(ctx context.Context, sessionID string, accept bool) (*protocol.RemoteSession, error)
	EndSession(ctx context.Context, sessionID string) (*protocol.RemoteSession, error)
	ListSessions(ctx context.Context) ([]protocol.RemoteSession, error)
}

// resyncTimeout bounds the REST fetch that follows a reconnect.
const resyncTimeout = 10 * time.Second

// RemoteSessionCoordinator 远程协助会话状态机的客户端镜像
type RemoteSessionCoordinator struct {
	api      RemoteAPI
	identity protocol.Identity
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*protocol.RemoteSession

	unsubscribe []func()
	listenersMu sync.Mutex
	listeners   []func(protocol.RemoteSession)
}

// NewRemoteSessionCoordinator 创建远程协助协调器并订阅 session_status 推送；
// 每次连接恢复后从服务端重新拉取会话列表
func NewRemoteSessionCoordinator(api RemoteAPI, transport Transport, identity protocol.Identity, logger *logrus.Logger) *RemoteSessionCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &RemoteSessionCoordinator{
		api:      api,
		identity: identity,
		logger:   logger,
		sessions: make(map[string]*protocol.RemoteSession),
	}
	if transport != nil {
		c.unsubscribe = append(c.unsubscribe,
			transport.Subscribe(protocol.TypeSessionStatus, c.handlePush),
			transport.OnStateChange(c.handleState),
		)
	}
	return c
}

// Close 取消订阅
func (c *RemoteSessionCoordinator) Close() {
	for _, fn := range c.unsubscribe {
		fn()
	}
}

// OnChange registers fn to be called with every session update that was applied.
func (c *RemoteSessionCoordinator) OnChange(fn func(protocol.RemoteSession)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *RemoteSessionCoordinator) notify(s protocol.RemoteSession) {
	c.listenersMu.Lock()
	listeners := append([]func(protocol.RemoteSession){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// RequestAccess 管理员发起访问请求
func (c *RemoteSessionCoordinator) RequestAccess(ctx context.Context, partnerID string, perms protocol.Permissions) (*protocol.RemoteSession, error) {
	if c.identity.Role != protocol.RoleAdmin {
		return nil, &ValidationError{Field: "role", Message: "only admins can request access"}
	}
	if strings.TrimSpace(partnerID) == "" {
		return nil, &ValidationError{Field: "partner_id", Message: "partner is required"}
	}
	if err := perms.Validate(); err != nil {
		return nil, &ValidationError{Field: "permissions", Message: err.Error()}
	}
	if open := c.ActiveFor(partnerID); open != nil {
		return nil, &ConflictError{
			Resource: "remote_session",
			Message:  "partner already has a " + string(open.Status) + " session " + open.ID,
		}
	}

	session, err := c.api.RequestAccess(ctx, protocol.AccessRequest{PartnerID: partnerID, Permissions: perms})
	if err != nil {
		return nil, classifyAPIError("remote_session", err)
	}
	out, _ := c.apply(*session)
	return &out, nil
}

// Respond 合作伙伴批准或拒绝；会话已不处于 pending 时不做任何事
func (c *RemoteSessionCoordinator) Respond(ctx context.Context, sessionID string, accept bool) (*protocol.RemoteSession, error) {
	if c.identity.Role != protocol.RolePartner {
		return nil, &ValidationError{Field: "role", Message: "only partners can respond to access requests"}
	}
	if current := c.Session(sessionID); current != nil && current.Status != protocol.SessionPending {
		return current, nil
	}

	session, err := c.api.RespondAccess(ctx, sessionID, accept)
	if err != nil {
		return nil, classifyAPIError("remote_session", err)
	}
	out, _ := c.apply(*session)
	return &out, nil
}

// EndSession 任一方结束会话；重复调用为幂等操作
func (c *RemoteSessionCoordinator) EndSession(ctx context.Context, sessionID string) (*protocol.RemoteSession, error) {
	if current := c.Session(sessionID); current != nil && current.Status == protocol.SessionEnded {
		return current, nil
	}

	session, err := c.api.EndSession(ctx, sessionID)
	if err != nil {
		return nil, classifyAPIError("remote_session", err)
	}
	out, _ := c.apply(*session)
	return &out, nil
}

// Refresh 重连后从服务端重新加载会话列表
func (c *RemoteSessionCoordinator) Refresh(ctx context.Context) ([]protocol.RemoteSession, error) {
	list, err := c.api.ListSessions(ctx)
	if err != nil {
		return nil, classifyAPIError("remote_session", err)
	}
	for _, s := range list {
		c.apply(s)
	}
	return c.Sessions(), nil
}

// Sessions returns a snapshot of known sessions, newest request first.
func (c *RemoteSessionCoordinator) Sessions() []protocol.RemoteSession {
	c.mu.Lock()
	out := make([]protocol.RemoteSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out
}

func (c *RemoteSessionCoordinator) Session(sessionID string) *protocol.RemoteSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// ActiveFor returns the partner's pending or active session, if any.
func (c *RemoteSessionCoordinator) ActiveFor(partnerID string) *protocol.RemoteSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.PartnerID == partnerID && s.Status.Open() {
			cp := *s
			return &cp
		}
	}
	return nil
}

// apply merges an authoritative update. Transitions outside the state machine are ignored and
// the first endedAt stamp is kept.
func (c *RemoteSessionCoordinator) apply(update protocol.RemoteSession) (protocol.RemoteSession, bool) {
	c.mu.Lock()
	current, ok := c.sessions[update.ID]
	if !ok {
		cp := update
		c.sessions[update.ID] = &cp
		c.mu.Unlock()
		c.notify(cp)
		return cp, true
	}

	if current.Status == update.Status || !protocol.CanTransition(current.Status, update.Status) {
		out := *current
		c.mu.Unlock()
		if current.Status != update.Status {
			c.logger.WithField("session_id", update.ID).
				Debugf("Ignoring stale session update %s -> %s", current.Status, update.Status)
		}
		return out, false
	}

	current.Status = update.Status
	if update.StartedAt != nil && current.StartedAt == nil {
		current.StartedAt = update.StartedAt
	}
	if update.Status == protocol.SessionEnded && current.EndedAt == nil {
		endedAt := time.Now()
		if update.EndedAt != nil {
			endedAt = *update.EndedAt
		}
		current.EndedAt = &endedAt
		current.EndReason = update.EndReason
	}
	out := *current
	c.mu.Unlock()

	c.notify(out)
	return out, true
}

func (c *RemoteSessionCoordinator) handleState(change StateChange) {
	if change.State != StateOpen {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil {
			c.logger.Warnf("Session resync after reconnect failed: %v", err)
		}
	}()
}

func (c *RemoteSessionCoordinator) handlePush(env protocol.Envelope) {
	var s protocol.RemoteSession
	if err := env.Decode(&s); err != nil {
		c.logger.Warnf("Dropping malformed session status: %v", err)
		return
	}
	if s.ID == "" {
		return
	}
	c.apply(s)
}
