package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter is a total plus a per-label breakdown, safe for concurrent use.
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rateLimitDrops labeledCounter
	pushConnects   labeledCounter // by role
	pushSupersedes uint64
	pushDropped    labeledCounter // by reason
	chatMessages   labeledCounter // by sender role
	sessionChanges labeledCounter // by target status
	activityEvents labeledCounter // by task status
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rateLimitDrops.snapshot()
}

// IncPushConnect counts an accepted push handshake.
func IncPushConnect(role string) { pushConnects.inc(role) }

// IncPushSupersede counts a connection closed because the same identity reconnected.
func IncPushSupersede() { atomic.AddUint64(&pushSupersedes, 1) }

// IncPushDropped counts frames that could not be delivered ("slow_consumer", "closed").
func IncPushDropped(reason string) { pushDropped.inc(reason) }

func PushSnapshot() (connects map[string]uint64, supersedes uint64, dropped map[string]uint64) {
	_, connects = pushConnects.snapshot()
	_, dropped = pushDropped.snapshot()
	return connects, atomic.LoadUint64(&pushSupersedes), dropped
}

func IncChatMessage(role string) { chatMessages.inc(role) }

func IncSessionTransition(status string) { sessionChanges.inc(status) }

func IncActivityEvent(status string) { activityEvents.inc(status) }

// DomainSnapshot returns per-label counters for chat, remote sessions and AI activity.
func DomainSnapshot() (chat, sessions, activity map[string]uint64) {
	_, chat = chatMessages.snapshot()
	_, sessions = sessionChanges.snapshot()
	_, activity = activityEvents.snapshot()
	return chat, sessions, activity
}

// Reset clears every counter. Tests only.
func Reset() {
	rateLimitDrops = labeledCounter{}
	pushConnects = labeledCounter{}
	atomic.StoreUint64(&pushSupersedes, 0)
	pushDropped = labeledCounter{}
	chatMessages = labeledCounter{}
	sessionChanges = labeledCounter{}
	activityEvents = labeledCounter{}
}
