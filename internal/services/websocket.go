package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/pkg/protocol"
)

// Notifier 推送事件给在线身份
type Notifier interface {
	SendToIdentity(identity protocol.Identity, env protocol.Envelope)
	SendToRole(role protocol.Role, env protocol.Envelope)
}

// ErrHubClosed 推送中心已停止
var ErrHubClosed = errors.New("push hub closed")

// PushClient 一条已握手的推送连接
type PushClient struct {
	Identity    protocol.Identity
	Epoch       uint64
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan protocol.Envelope
	hub  *PushHub
}

type delivery struct {
	env   protocol.Envelope
	match func(*PushClient) bool
}

// PushHub 按身份索引的推送中心；同一身份的新连接会取代旧连接
type PushHub struct {
	cfg    config.RealtimeConfig
	logger *logrus.Logger

	clients    map[string]*PushClient
	register   chan *PushClient
	unregister chan *PushClient
	deliver    chan delivery
	done       chan struct{}
	mutex      sync.RWMutex

	epoch    uint64
	upgrader websocket.Upgrader
}

// NewPushHub 创建推送中心
func NewPushHub(cfg config.RealtimeConfig, logger *logrus.Logger) *PushHub {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 54 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}
	return &PushHub{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[string]*PushClient),
		register:   make(chan *PushClient),
		unregister: make(chan *PushClient),
		deliver:    make(chan delivery, 1024),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 身份已由握手参数与令牌校验
			},
		},
	}
}

// Run 事件循环；ctx 结束时关闭所有连接
func (h *PushHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for key, client := range h.clients {
				close(client.send)
				delete(h.clients, key)
			}
			h.mutex.Unlock()
			h.logger.Info("Push hub stopped")
			return

		case client := <-h.register:
			key := client.Identity.Key()
			h.mutex.Lock()
			old := h.clients[key]
			h.clients[key] = client
			h.mutex.Unlock()

			if old != nil {
				h.supersede(old, client.Epoch)
			}
			appmetrics.IncPushConnect(string(client.Identity.Role))
			h.logger.WithFields(logrus.Fields{
				"identity": key,
				"epoch":    client.Epoch,
			}).Info("Push client connected")
			h.enqueue(client, systemEnvelope(protocol.SystemNotice{Event: protocol.SystemWelcome, Epoch: client.Epoch}))

		case client := <-h.unregister:
			key := client.Identity.Key()
			h.mutex.Lock()
			// a superseded connection no longer owns the slot
			if current, ok := h.clients[key]; ok && current == client {
				delete(h.clients, key)
				close(client.send)
				h.logger.WithFields(logrus.Fields{"identity": key, "epoch": client.Epoch}).Info("Push client disconnected")
			}
			h.mutex.Unlock()

		case d := <-h.deliver:
			h.mutex.RLock()
			targets := make([]*PushClient, 0, 2)
			for _, client := range h.clients {
				if d.match(client) {
					targets = append(targets, client)
				}
			}
			h.mutex.RUnlock()
			for _, client := range targets {
				h.enqueue(client, d.env)
			}
		}
	}
}

// supersede tells the old connection why it is being closed, then closes it.
func (h *PushHub) supersede(old *PushClient, newEpoch uint64) {
	appmetrics.IncPushSupersede()
	h.logger.WithFields(logrus.Fields{
		"identity":  old.Identity.Key(),
		"old_epoch": old.Epoch,
		"new_epoch": newEpoch,
	}).Info("Push client superseded")
	select {
	case old.send <- systemEnvelope(protocol.SystemNotice{
		Event:   protocol.SystemSuperseded,
		Epoch:   newEpoch,
		Message: "a newer connection for this identity was opened",
	}):
	default:
	}
	close(old.send)
}

// enqueue runs on the Run goroutine only; it owns every send channel.
func (h *PushHub) enqueue(client *PushClient, env protocol.Envelope) {
	select {
	case client.send <- env:
	default:
		appmetrics.IncPushDropped("slow_consumer")
		h.logger.Warnf("Push client %s too slow, dropping connection", client.Identity.Key())
		h.mutex.Lock()
		if current, ok := h.clients[client.Identity.Key()]; ok && current == client {
			delete(h.clients, client.Identity.Key())
			close(client.send)
		}
		h.mutex.Unlock()
	}
}

func (h *PushHub) publish(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
		appmetrics.IncPushDropped("closed")
	}
}

// SendToIdentity 推送给指定身份（不在线则丢弃，客户端重连后通过 REST 对账）
func (h *PushHub) SendToIdentity(identity protocol.Identity, env protocol.Envelope) {
	key := identity.Key()
	h.publish(delivery{env: env, match: func(c *PushClient) bool { return c.Identity.Key() == key }})
}

// SendToRole 推送给某一角色的全部在线身份
func (h *PushHub) SendToRole(role protocol.Role, env protocol.Envelope) {
	h.publish(delivery{env: env, match: func(c *PushClient) bool { return c.Identity.Role == role }})
}

// Broadcast 推送给所有在线身份
func (h *PushHub) Broadcast(env protocol.Envelope) {
	h.publish(delivery{env: env, match: func(*PushClient) bool { return true }})
}

// Serve 升级连接并注册；调用方负责校验 identity
func (h *PushHub) Serve(w http.ResponseWriter, r *http.Request, identity protocol.Identity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &PushClient{
		Identity:    identity,
		Epoch:       atomic.AddUint64(&h.epoch, 1),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan protocol.Envelope, h.cfg.SendBuffer),
		hub:         h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return ErrHubClosed
	}

	go client.writePump()
	go client.readPump()
	return nil
}

func (c *PushClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongWait()
	c.conn.SetReadLimit(c.hub.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debugf("Push read error for %s: %v", c.Identity.Key(), err)
			}
			return
		}
		// any inbound frame counts as liveness; the channel is server -> client only
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.logger.Debugf("Ignoring %d-byte inbound frame from %s", len(data), c.Identity.Key())
	}
}

func (c *PushClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.hub.cfg.WriteWait
	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.hub.logger.Debugf("Push write error for %s: %v", c.Identity.Key(), err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// HubStats 推送中心快照
type HubStats struct {
	Connections int            `json:"connections"`
	ByRole      map[string]int `json:"by_role"`
	Epoch       uint64         `json:"epoch"`
	Supersedes  uint64         `json:"supersedes"`
}

// Stats 返回当前连接统计
func (h *PushHub) Stats() HubStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	by := map[string]int{string(protocol.RoleAdmin): 0, string(protocol.RolePartner): 0}
	for _, c := range h.clients {
		by[string(c.Identity.Role)]++
	}
	_, supersedes, _ := appmetrics.PushSnapshot()
	return HubStats{
		Connections: len(h.clients),
		ByRole:      by,
		Epoch:       atomic.LoadUint64(&h.epoch),
		Supersedes:  supersedes,
	}
}

// GetClientCount 在线连接数
func (h *PushHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// IsOnline 身份当前是否持有推送连接
func (h *PushHub) IsOnline(identity protocol.Identity) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[identity.Key()]
	return ok
}

func systemEnvelope(notice protocol.SystemNotice) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeSystem, notice)
	return env
}

// notify builds an envelope and hands it to each target. A nil notifier is a no-op.
func notify(n Notifier, logger *logrus.Logger, msgType string, payload interface{}, targets ...protocol.Identity) {
	if n == nil {
		return
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		logger.Errorf("Failed to encode %s push: %v", msgType, err)
		return
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		n.SendToIdentity(t, env)
	}
}
