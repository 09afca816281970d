package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// ViewerService 为 active 远程协助会话建立尽力而为的 WebRTC 查看通道。
// 通道状态通过 system 推送通知会话双方；像素流不在此处理。
type ViewerService struct {
	api        *webrtc.API
	stunServer string
	notifier   Notifier
	logger     *logrus.Logger

	mutex sync.RWMutex
	peers map[string]*viewerPeer

	// beforeRegister runs after ICE gathering, before the peer is stored
	beforeRegister func(sessionID string)
}

type viewerPeer struct {
	session   protocol.RemoteSession
	pc        *webrtc.PeerConnection
	state     string
	createdAt time.Time
}

// NewViewerService 创建查看通道服务
func NewViewerService(stunServer string, notifier Notifier, logger *logrus.Logger) *ViewerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ViewerService{
		api:        webrtc.NewAPI(),
		stunServer: stunServer,
		notifier:   notifier,
		logger:     logger,
		peers:      make(map[string]*viewerPeer),
	}
}

// Open 处理管理员的 SDP offer 并返回 answer；同一会话的旧通道会被替换
func (s *ViewerService) Open(ctx context.Context, session protocol.RemoteSession, offer protocol.ViewerOffer) (*protocol.ViewerOffer, error) {
	cfg := webrtc.Configuration{}
	if s.stunServer != "" {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{s.stunServer}}}
	}
	pc, err := s.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &viewerPeer{session: session, pc: pc, state: "new", createdAt: time.Now()}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mutex.Lock()
		peer.state = state.String()
		s.mutex.Unlock()
		s.logger.Infof("Viewer for session %s state changed to %s", session.ID, state.String())
		s.notifyState(session, protocol.SystemViewerState, state.String())

		if state == webrtc.PeerConnectionStateFailed {
			go s.closePeer(session.ID, peer)
		}
	})

	sdpType := webrtc.NewSDPType(offer.Type)
	if sdpType != webrtc.SDPTypeOffer {
		pc.Close()
		return nil, invalidf("expected sdp offer, got %q", offer.Type)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: offer.SDP}); err != nil {
		pc.Close()
		return nil, invalidf("failed to set remote description: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	// non-trickle: wait for candidates so the answer is self-contained
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
	}

	if s.beforeRegister != nil {
		s.beforeRegister(session.ID)
	}

	s.mutex.Lock()
	old := s.peers[session.ID]
	s.peers[session.ID] = peer
	s.mutex.Unlock()
	if old != nil {
		_ = old.pc.Close()
	}

	local := pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	s.logger.Infof("Created viewer answer for session %s", session.ID)
	return &protocol.ViewerOffer{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Close 关闭会话的查看通道（不存在时无操作）
func (s *ViewerService) Close(sessionID string) {
	s.closePeer(sessionID, nil)
}

// closePeer removes the session's peer; a non-nil only restricts it to that
// peer so a replaced channel failing late does not close its successor.
func (s *ViewerService) closePeer(sessionID string, only *viewerPeer) {
	s.mutex.Lock()
	peer, ok := s.peers[sessionID]
	if ok && only != nil && peer != only {
		ok = false
	}
	if ok {
		delete(s.peers, sessionID)
	}
	s.mutex.Unlock()
	if !ok {
		return
	}
	if err := peer.pc.Close(); err != nil {
		s.logger.Warnf("Closing viewer for session %s: %v", sessionID, err)
	}
	s.notifyState(peer.session, protocol.SystemViewerClosed, "closed")
}

// State 查看通道当前状态
func (s *ViewerService) State(sessionID string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	peer, ok := s.peers[sessionID]
	if !ok {
		return "", false
	}
	return peer.state, true
}

// GetConnectionCount 当前查看通道数
func (s *ViewerService) GetConnectionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.peers)
}

func (s *ViewerService) notifyState(session protocol.RemoteSession, event, state string) {
	notify(s.notifier, s.logger, protocol.TypeSystem, protocol.SystemNotice{
		Event:     event,
		SessionID: session.ID,
		Details:   map[string]interface{}{"state": state},
	},
		protocol.Identity{ID: session.AdminID, Role: protocol.RoleAdmin},
		protocol.Identity{ID: session.PartnerID, Role: protocol.RolePartner},
	)
}
