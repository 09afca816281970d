package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// ChatAPI 聊天相关的 REST 调用
type ChatAPI interface {
	ListRooms(ctx context.Context) ([]protocol.Room, error)
	ListMessages(ctx context.Context, roomID uint64) ([]protocol.ChatMessage, error)
	SendMessage(ctx context.Context, roomID uint64, req protocol.SendMessageRequest) (*protocol.ChatMessage, error)
}

// EntryStatus 时间线条目状态
type EntryStatus string

const (
	EntryPending     EntryStatus = "pending"
	EntryUnconfirmed EntryStatus = "unconfirmed"
	EntryFailed      EntryStatus = "failed"
	EntryConfirmed   EntryStatus = "confirmed"
)

// Entry is one rendered timeline row: either a confirmed server message or a local optimistic send.
type Entry struct {
	LocalID     string
	ID          uint64
	RoomID      uint64
	SenderID    string
	ContentType protocol.ContentType
	Payload     string
	CreatedAt   time.Time
	Status      EntryStatus
	Err         error
}

// ChatOptions 聊天协调器配置
type ChatOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxMessageLength  int
	Logger            *logrus.Logger
}

type timeline struct {
	confirmed  []protocol.ChatMessage
	optimistic []*Entry
}

// insert places msg by id. It reports false for duplicates.
func (t *timeline) insert(msg protocol.ChatMessage) bool {
	if msg.ClientMsgID != "" {
		t.dropOptimistic(msg.ClientMsgID)
	}
	i := sort.Search(len(t.confirmed), func(i int) bool { return t.confirmed[i].ID >= msg.ID })
	if i < len(t.confirmed) && t.confirmed[i].ID == msg.ID {
		return false
	}
	t.confirmed = append(t.confirmed, protocol.ChatMessage{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = msg
	return true
}

func (t *timeline) dropOptimistic(localID string) {
	for i, e := range t.optimistic {
		if e.LocalID == localID {
			t.optimistic = append(t.optimistic[:i], t.optimistic[i+1:]...)
			return
		}
	}
}

func (t *timeline) find(localID string) *Entry {
	for _, e := range t.optimistic {
		if e.LocalID == localID {
			return e
		}
	}
	return nil
}

// ChatCoordinator 聊天协调器：按 id 排序、乐观发送对账、断线轮询兜底
type ChatCoordinator struct {
	api       ChatAPI
	transport Transport
	identity  protocol.Identity
	opts      ChatOptions
	logger    *logrus.Logger

	mu        sync.Mutex
	rooms     map[uint64]*timeline
	selected  uint64
	polling   bool
	pollStop  chan struct{}
	downTimer *time.Timer
	closed    bool

	unsubscribe []func()
	listenersMu sync.Mutex
	listeners   []func(roomID uint64)
}

// NewChatCoordinator 创建聊天协调器并订阅推送
func NewChatCoordinator(api ChatAPI, transport Transport, identity protocol.Identity, opts ChatOptions) *ChatCoordinator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	c := &ChatCoordinator{
		api:       api,
		transport: transport,
		identity:  identity,
		opts:      opts,
		logger:    opts.Logger,
		rooms:     make(map[uint64]*timeline),
	}
	if transport != nil {
		c.unsubscribe = append(c.unsubscribe,
			transport.Subscribe(protocol.TypeChatMessage, c.handlePush),
			transport.OnStateChange(c.handleState),
		)
		if transport.State() != StateOpen {
			c.handleState(StateChange{State: StateClosed, At: time.Now()})
		}
	}
	return c
}

// Close 取消订阅并停止轮询
func (c *ChatCoordinator) Close() {
	for _, fn := range c.unsubscribe {
		fn()
	}
	c.mu.Lock()
	c.closed = true
	c.stopPollingLocked()
	if c.downTimer != nil {
		c.downTimer.Stop()
		c.downTimer = nil
	}
	c.mu.Unlock()
}

// OnChange registers fn to be called after a room's timeline changes.
func (c *ChatCoordinator) OnChange(fn func(roomID uint64)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *ChatCoordinator) notify(roomID uint64) {
	c.listenersMu.Lock()
	listeners := append([]func(uint64){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(roomID)
	}
}

// ListRooms 获取管理员参与的会话列表（附最后一条消息预览）
func (c *ChatCoordinator) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	if c.identity.Role != protocol.RoleAdmin {
		return nil, &ValidationError{Field: "role", Message: "only admins can list rooms"}
	}
	rooms, err := c.api.ListRooms(ctx)
	if err != nil {
		return nil, classifyAPIError("rooms", err)
	}
	return rooms, nil
}

// Select marks roomID as the room kept in sync by polling while the transport is down.
func (c *ChatCoordinator) Select(roomID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = roomID
}

// LoadMessages 从权威存储拉取完整有序消息并与本地时间线合并
func (c *ChatCoordinator) LoadMessages(ctx context.Context, roomID uint64) ([]Entry, error) {
	msgs, err := c.api.ListMessages(ctx, roomID)
	if err != nil {
		return nil, classifyAPIError("messages", err)
	}

	c.mu.Lock()
	tl := c.timelineLocked(roomID)
	for _, m := range msgs {
		tl.insert(m)
	}
	c.mu.Unlock()

	c.notify(roomID)
	return c.Messages(roomID), nil
}

// Messages returns confirmed messages in id order followed by local optimistic entries.
func (c *ChatCoordinator) Messages(roomID uint64) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(tl.confirmed)+len(tl.optimistic))
	for _, m := range tl.confirmed {
		out = append(out, Entry{
			LocalID:     m.ClientMsgID,
			ID:          m.ID,
			RoomID:      m.RoomID,
			SenderID:    m.SenderID,
			ContentType: m.ContentType,
			Payload:     m.Payload,
			CreatedAt:   m.CreatedAt,
			Status:      EntryConfirmed,
		})
	}
	for _, e := range tl.optimistic {
		out = append(out, *e)
	}
	return out
}

// Send 乐观发送：先追加本地 pending 条目，确认后替换为服务端消息；失败不自动重试
func (c *ChatCoordinator) Send(ctx context.Context, roomID uint64, contentType protocol.ContentType, payload string) (*Entry, error) {
	req := protocol.SendMessageRequest{ContentType: contentType, Payload: payload}
	if err := req.Validate(c.opts.MaxMessageLength); err != nil {
		return nil, &ValidationError{Field: "content", Message: err.Error()}
	}
	if roomID == 0 {
		return nil, &ValidationError{Field: "room_id", Message: "room is required"}
	}

	entry := &Entry{
		LocalID:     ulid.Make().String(),
		RoomID:      roomID,
		SenderID:    c.identity.ID,
		ContentType: req.ContentType,
		Payload:     req.Payload,
		CreatedAt:   time.Now(),
		Status:      EntryPending,
	}

	c.mu.Lock()
	tl := c.timelineLocked(roomID)
	tl.optimistic = append(tl.optimistic, entry)
	c.mu.Unlock()
	c.notify(roomID)

	return c.deliver(ctx, roomID, entry.LocalID, req)
}

// Resend 手动重发失败或未确认的消息，沿用原 client_msg_id 以便服务端去重
func (c *ChatCoordinator) Resend(ctx context.Context, roomID uint64, localID string) (*Entry, error) {
	c.mu.Lock()
	tl := c.rooms[roomID]
	var entry *Entry
	if tl != nil {
		entry = tl.find(localID)
	}
	if entry == nil {
		c.mu.Unlock()
		return nil, &ValidationError{Field: "local_id", Message: "no such unsent message"}
	}
	if entry.Status == EntryPending {
		c.mu.Unlock()
		return nil, &ConflictError{Resource: "message", Message: "send already in flight"}
	}
	entry.Status = EntryPending
	entry.Err = nil
	req := protocol.SendMessageRequest{ContentType: entry.ContentType, Payload: entry.Payload}
	c.mu.Unlock()
	c.notify(roomID)

	return c.deliver(ctx, roomID, localID, req)
}

// Discard removes an unsent optimistic entry.
func (c *ChatCoordinator) Discard(roomID uint64, localID string) bool {
	c.mu.Lock()
	tl := c.rooms[roomID]
	if tl == nil || tl.find(localID) == nil {
		c.mu.Unlock()
		return false
	}
	tl.dropOptimistic(localID)
	c.mu.Unlock()
	c.notify(roomID)
	return true
}

func (c *ChatCoordinator) deliver(ctx context.Context, roomID uint64, localID string, req protocol.SendMessageRequest) (*Entry, error) {
	req.ClientMsgID = localID
	msg, err := c.api.SendMessage(ctx, roomID, req)

	c.mu.Lock()
	tl := c.timelineLocked(roomID)
	if err != nil {
		entry := tl.find(localID)
		if entry == nil {
			c.mu.Unlock()
			return nil, &DeliveryFailure{RoomID: roomID, LocalID: localID, Err: err}
		}
		entry.Status = EntryFailed
		entry.Err = classifyAPIError("message", err)
		out := *entry
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{"room_id": roomID, "local_id": localID}).Warnf("Message not delivered: %v", err)
		c.notify(roomID)
		return &out, &DeliveryFailure{RoomID: roomID, LocalID: localID, Err: out.Err}
	}

	if msg.ClientMsgID == "" {
		msg.ClientMsgID = localID
	}
	tl.insert(*msg)
	c.mu.Unlock()
	c.notify(roomID)

	return &Entry{
		LocalID:     localID,
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		ContentType: msg.ContentType,
		Payload:     msg.Payload,
		CreatedAt:   msg.CreatedAt,
		Status:      EntryConfirmed,
	}, nil
}

func (c *ChatCoordinator) timelineLocked(roomID uint64) *timeline {
	tl, ok := c.rooms[roomID]
	if !ok {
		tl = &timeline{}
		c.rooms[roomID] = tl
	}
	return tl
}

// Polling reports whether the polling fallback is running.
func (c *ChatCoordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

func (c *ChatCoordinator) handlePush(env protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Decode(&msg); err != nil {
		c.logger.Warnf("Dropping malformed chat message: %v", err)
		return
	}
	if msg.ID == 0 || msg.RoomID == 0 {
		c.logger.Warn("Dropping chat message without id")
		return
	}

	c.mu.Lock()
	changed := c.timelineLocked(msg.RoomID).insert(msg)
	if c.polling {
		c.logger.Info("Push delivery resumed, stopping message polling")
		c.stopPollingLocked()
	}
	c.mu.Unlock()

	if changed {
		c.notify(msg.RoomID)
	}
}

func (c *ChatCoordinator) handleState(change StateChange) {
	switch change.State {
	case StateClosed:
		c.mu.Lock()
		changed := c.markUnconfirmedLocked()
		if c.downTimer == nil && !c.polling && !c.closed {
			c.downTimer = time.AfterFunc(c.opts.HeartbeatInterval, c.startPolling)
		}
		c.mu.Unlock()
		for _, roomID := range changed {
			c.notify(roomID)
		}

	case StateOpen:
		c.mu.Lock()
		if c.downTimer != nil {
			c.downTimer.Stop()
			c.downTimer = nil
		}
		selected := c.selected
		c.mu.Unlock()

		if selected != 0 {
			go c.resync(selected)
		}
	}
}

func (c *ChatCoordinator) markUnconfirmedLocked() []uint64 {
	var changed []uint64
	for roomID, tl := range c.rooms {
		touched := false
		for _, e := range tl.optimistic {
			if e.Status == EntryPending {
				e.Status = EntryUnconfirmed
				touched = true
			}
		}
		if touched {
			changed = append(changed, roomID)
		}
	}
	return changed
}

func (c *ChatCoordinator) resync(roomID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PollInterval)
	defer cancel()
	if _, err := c.LoadMessages(ctx, roomID); err != nil {
		c.logger.WithField("room_id", roomID).Warnf("Resync after reconnect failed: %v", err)
	}
}

func (c *ChatCoordinator) startPolling() {
	c.mu.Lock()
	c.downTimer = nil
	// a timer that fired concurrently with Close must not start a loop
	if c.closed || c.polling || c.transport == nil || c.transport.State() == StateOpen {
		c.mu.Unlock()
		return
	}
	c.polling = true
	stop := make(chan struct{})
	c.pollStop = stop
	c.mu.Unlock()

	c.logger.Infof("Transport down, polling messages every %s", c.opts.PollInterval)
	go c.pollLoop(stop)
}

func (c *ChatCoordinator) stopPollingLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	c.polling = false
}

func (c *ChatCoordinator) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.pollOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *ChatCoordinator) pollOnce() {
	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	if selected == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PollInterval)
	defer cancel()
	if _, err := c.LoadMessages(ctx, selected); err != nil {
		c.logger.WithField("room_id", selected).Debugf("Polling messages failed: %v", err)
	}
}
