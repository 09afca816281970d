package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"partnerhub/pkg/protocol"
)

// FeedCapacity 活动流缓冲区容量
const FeedCapacity = 50

// ActivityAPI 拉取 AI 仪表板当前状态
type ActivityAPI interface {
	Dashboard(ctx context.Context) (*protocol.DashboardSummary, error)
}

// ActivityFeedAggregator 固定容量的活动事件环形缓冲 + 整体替换的统计快照。
// 尽力而为的遥测：丢失事件不算错误。
type ActivityFeedAggregator struct {
	mu    sync.Mutex
	buf   []protocol.ActivityEvent
	start int
	size  int
	total uint64

	stats atomic.Pointer[protocol.StatsSnapshot]

	api         ActivityAPI
	logger      *logrus.Logger
	unsubscribe []func()
}

// NewActivityFeedAggregator creates an aggregator with capacity FeedCapacity.
func NewActivityFeedAggregator() *ActivityFeedAggregator {
	return newActivityFeedAggregator(FeedCapacity)
}

func newActivityFeedAggregator(capacity int) *ActivityFeedAggregator {
	return &ActivityFeedAggregator{buf: make([]protocol.ActivityEvent, capacity)}
}

// OnEvent 写入事件，超过容量时淘汰最旧的一条
func (a *ActivityFeedAggregator) OnEvent(ev protocol.ActivityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	capacity := len(a.buf)
	if a.size < capacity {
		a.buf[(a.start+a.size)%capacity] = ev
		a.size++
	} else {
		a.buf[a.start] = ev
		a.start = (a.start + 1) % capacity
	}
	a.total++
}

// OnStatsSnapshot 整体替换统计快照
func (a *ActivityFeedAggregator) OnStatsSnapshot(s protocol.StatsSnapshot) {
	a.stats.Store(&s)
}

// Stats returns the latest snapshot, or nil before the first one arrives.
func (a *ActivityFeedAggregator) Stats() *protocol.StatsSnapshot {
	return a.stats.Load()
}

// Events returns buffered events oldest first.
func (a *ActivityFeedAggregator) Events() []protocol.ActivityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.ActivityEvent, a.size)
	for i := 0; i < a.size; i++ {
		out[i] = a.buf[(a.start+i)%len(a.buf)]
	}
	return out
}

// Recent returns buffered events newest first.
func (a *ActivityFeedAggregator) Recent() []protocol.ActivityEvent {
	events := a.Events()
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}

func (a *ActivityFeedAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Total counts every event ever received, including evicted ones.
func (a *ActivityFeedAggregator) Total() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Attach subscribes to ai_activity and ai_stats pushes. Undecodable payloads are dropped.
// With a non-nil api the buffer and snapshot are reseeded from the dashboard every time
// the transport reopens.
func (a *ActivityFeedAggregator) Attach(transport Transport, api ActivityAPI) {
	a.api = api
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	a.unsubscribe = append(a.unsubscribe,
		transport.Subscribe(protocol.TypeAIActivity, func(env protocol.Envelope) {
			var ev protocol.ActivityEvent
			if err := env.Decode(&ev); err != nil {
				return
			}
			a.OnEvent(ev)
		}),
		transport.Subscribe(protocol.TypeAIStats, func(env protocol.Envelope) {
			var s protocol.StatsSnapshot
			if err := env.Decode(&s); err != nil {
				return
			}
			a.OnStatsSnapshot(s)
		}),
	)
	if api != nil {
		a.unsubscribe = append(a.unsubscribe, transport.OnStateChange(a.handleState))
	}
}

func (a *ActivityFeedAggregator) handleState(change StateChange) {
	if change.State != StateOpen || a.api == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		if err := a.Refresh(ctx, a.api); err != nil {
			a.logger.Warnf("Activity resync after reconnect failed: %v", err)
		}
	}()
}

// Detach 取消订阅
func (a *ActivityFeedAggregator) Detach() {
	for _, fn := range a.unsubscribe {
		fn()
	}
	a.unsubscribe = nil
}

// Refresh 重连后用仪表板摘要重新填充缓冲区和快照
func (a *ActivityFeedAggregator) Refresh(ctx context.Context, api ActivityAPI) error {
	summary, err := api.Dashboard(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.start, a.size = 0, 0
	events := summary.RecentEvents
	if len(events) > len(a.buf) {
		events = events[len(events)-len(a.buf):]
	}
	a.mu.Unlock()

	for _, ev := range events {
		a.OnEvent(ev)
	}
	a.OnStatsSnapshot(summary.Stats)
	return nil
}
