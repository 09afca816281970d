package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// Handler 订阅者回调，在读协程上按到达顺序同步调用
type Handler func(env protocol.Envelope)

// Bus 按 type 发布/订阅的内部事件总线
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]Handler
	next    uint64
	dropped atomic.Uint64
	logger  *logrus.Logger
}

// NewBus 创建事件总线
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:   make(map[string]map[uint64]Handler),
		logger: logger,
	}
}

// Subscribe registers h for msgType and returns a function that removes it.
func (b *Bus) Subscribe(msgType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[msgType] == nil {
		b.subs[msgType] = make(map[uint64]Handler)
	}
	b.subs[msgType][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[msgType], id)
			if len(b.subs[msgType]) == 0 {
				delete(b.subs, msgType)
			}
		})
	}
}

// Dispatch delivers env to exactly the subscribers of env.Type.
// Unknown or unsubscribed types are logged and dropped; it never panics.
func (b *Bus) Dispatch(env protocol.Envelope) bool {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[env.Type]))
	for _, h := range b.subs[env.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.dropped.Add(1)
		if protocol.KnownType(env.Type) {
			b.logger.Debugf("No subscriber for message type %s", env.Type)
		} else {
			b.logger.Warnf("Unknown message type: %s", env.Type)
		}
		return false
	}

	for _, h := range handlers {
		b.invoke(env, h)
	}
	return true
}

func (b *Bus) invoke(env protocol.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("type", env.Type).Errorf("subscriber panic: %v", r)
		}
	}()
	h(env)
}

// Dropped returns how many envelopes had no subscriber.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
