package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StateChange 连接状态变化通知
type StateChange struct {
	State ConnectionState
	Epoch uint64
	Err   error
	At    time.Time
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Transport is the read-only view of a ConnectionManager handed to coordinators.
type Transport interface {
	Subscribe(msgType string, h Handler) func()
	OnStateChange(fn func(StateChange)) func()
	State() ConnectionState
}

const (
	defaultHeartbeatInterval = 54 * time.Second
	defaultMissedHeartbeats  = 3
	writeWait                = 10 * time.Second
)

// Options 连接管理器配置
type Options struct {
	// URL of the push endpoint, e.g. ws://host:8080/api/v1/ws.
	URL     string
	Header  http.Header
	Dialer  Dialer
	Backoff Policy
	// HeartbeatInterval is the server ping period.
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	Logger            *logrus.Logger
}

// ConnectionManager 每个身份只持有一条活动连接；负责握手、心跳、退避重连与按类型分发
type ConnectionManager struct {
	opts   Options
	bus    *Bus
	logger *logrus.Logger

	mu            sync.Mutex
	identity      protocol.Identity
	epoch         uint64
	state         ConnectionState
	conn          *websocket.Conn
	cancel        context.CancelFunc
	retries       *reconnectBackOff
	lastHeartbeat time.Time

	listenersMu  sync.Mutex
	listeners    map[uint64]func(StateChange)
	nextListener uint64
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(opts Options) *ConnectionManager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultPolicy()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MissedHeartbeats <= 0 {
		opts.MissedHeartbeats = defaultMissedHeartbeats
	}
	return &ConnectionManager{
		opts:      opts,
		bus:       NewBus(opts.Logger),
		logger:    opts.Logger,
		listeners: make(map[uint64]func(StateChange)),
	}
}

// Connect binds the manager to identity and starts the connect/reconnect loop.
// Any previous connection owned by this manager becomes stale immediately.
func (m *ConnectionManager) Connect(identity protocol.Identity) error {
	if err := identity.Validate(); err != nil {
		return &ValidationError{Field: "identity", Message: err.Error()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := newReconnectBackOff(m.opts.Backoff)

	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	epoch := m.epoch
	m.identity = identity
	m.cancel = cancel
	m.retries = b
	m.mu.Unlock()

	go m.run(ctx, identity, epoch, b)
	return nil
}

// Close tears the connection down and stops reconnecting.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.setState(epoch, StateClosed, nil)
}

func (m *ConnectionManager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Subscribe registers a handler for one envelope type.
func (m *ConnectionManager) Subscribe(msgType string, h Handler) func() {
	return m.bus.Subscribe(msgType, h)
}

// OnStateChange registers a state listener and returns its remover.
func (m *ConnectionManager) OnStateChange(fn func(StateChange)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// WaitOpen blocks until the connection is open or ctx is done.
func (m *ConnectionManager) WaitOpen(ctx context.Context) error {
	opened := make(chan struct{}, 1)
	unsubscribe := m.OnStateChange(func(c StateChange) {
		if c.State == StateOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if m.State() == StateOpen {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// RetryCount is the number of reconnect attempts since the last successful connect.
func (m *ConnectionManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retries == nil {
		return 0
	}
	return m.retries.Count()
}

func (m *ConnectionManager) LastHeartbeatAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeat
}

func (m *ConnectionManager) Identity() protocol.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Dropped returns how many inbound envelopes were dropped for lack of a subscriber.
func (m *ConnectionManager) Dropped() uint64 { return m.bus.Dropped() }

func (m *ConnectionManager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *ConnectionManager) run(ctx context.Context, identity protocol.Identity, epoch uint64, b *reconnectBackOff) {
	log := m.logger.WithFields(logrus.Fields{"identity": identity.Key(), "epoch": epoch})

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		m.setState(epoch, StateConnecting, nil)

		conn, err := m.dial(ctx, identity, epoch)
		if err != nil {
			m.setState(epoch, StateClosed, err)
			return err
		}
		if !m.attach(epoch, conn) {
			_ = conn.Close()
			return backoff.Permanent(ErrSuperseded)
		}

		b.Reset()
		m.setState(epoch, StateOpen, nil)
		log.Info("Realtime connection open")

		err = m.serve(ctx, epoch, conn)
		m.detach(epoch, conn)
		m.setState(epoch, StateClosed, err)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrSuperseded) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.WithField("retry", b.Count()).Warnf("Realtime connection lost: %v; reconnecting in %s", err, next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("Realtime connection loop stopped: %v", err)
	}
}

func (m *ConnectionManager) dial(ctx context.Context, identity protocol.Identity, epoch uint64) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, backoff.Permanent(&ConnectionError{Op: "handshake", Epoch: epoch, Err: err})
	}
	q := u.Query()
	q.Set(protocol.QueryUserID, identity.ID)
	q.Set(protocol.QueryRole, string(identity.Role))
	u.RawQuery = q.Encode()

	conn, resp, err := m.opts.Dialer.DialContext(ctx, u.String(), m.opts.Header)
	if err != nil {
		connErr := &ConnectionError{Op: "dial", Epoch: epoch, Err: err}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				connErr.Op = "handshake"
				connErr.Err = fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
				return nil, backoff.Permanent(connErr)
			}
		}
		return nil, connErr
	}
	return conn, nil
}

func (m *ConnectionManager) attach(epoch uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.conn = conn
	return true
}

func (m *ConnectionManager) detach(epoch uint64, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && m.conn == conn {
		m.conn = nil
	}
	_ = conn.Close()
}

func (m *ConnectionManager) heartbeat(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.lastHeartbeat = time.Now()
	}
}

// serve reads frames until the connection fails, is superseded, or ctx ends.
func (m *ConnectionManager) serve(ctx context.Context, epoch uint64, conn *websocket.Conn) error {
	timeout := m.opts.HeartbeatInterval * time.Duration(m.opts.MissedHeartbeats)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		m.heartbeat(epoch)
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Op: "read", Epoch: epoch, Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		m.heartbeat(epoch)

		if !m.current(epoch) {
			return ErrSuperseded
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.logger.Warnf("Invalid message format: %v", err)
			continue
		}

		superseded := false
		if env.Type == protocol.TypeSystem {
			var notice protocol.SystemNotice
			if err := env.Decode(&notice); err == nil && notice.Event == protocol.SystemSuperseded {
				superseded = true
			}
		}

		m.bus.Dispatch(env)

		if superseded {
			m.logger.Infof("Connection epoch %d superseded by a newer connection", epoch)
			return ErrSuperseded
		}
	}
}

func (m *ConnectionManager) setState(epoch uint64, state ConnectionState, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.state == state && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = state
	now := time.Now()
	if state == StateOpen {
		m.lastHeartbeat = now
	}
	m.mu.Unlock()

	change := StateChange{State: state, Epoch: epoch, Err: err, At: now}
	m.listenersMu.Lock()
	listeners := make([]func(StateChange), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
