package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/internal/models"
	"partnerhub/pkg/protocol"
)

// ActivityService 接收 AI 管理器上报的任务事件，维护统计快照并推送给管理员
type ActivityService struct {
	db       *gorm.DB
	notifier Notifier
	cfg      config.ActivityConfig
	logger   *logrus.Logger

	mu          sync.Mutex
	running     map[string]time.Time // taskID -> first processing event
	queueDepth  int
	peakQueue   int
	peakQueueOn time.Time

	now func() time.Time
}

// NewActivityService 创建 AI 活动服务
func NewActivityService(db *gorm.DB, notifier Notifier, cfg config.ActivityConfig, logger *logrus.Logger) *ActivityService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 50
	}
	return &ActivityService{
		db:       db,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record 持久化事件并推送 ai_activity。id 为空时分配 ULID；
// 相同 id 的重复上报返回已存储的事件且不再推送。
func (s *ActivityService) Record(ctx context.Context, ev protocol.ActivityEvent) (*protocol.ActivityEvent, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, invalidf("%v", err)
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	} else {
		var existing models.ActivityEvent
		err := s.db.WithContext(ctx).First(&existing, "id = ?", ev.ID).Error
		if err == nil {
			out := existing.ToProtocol()
			return &out, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("lookup activity: %w", err)
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	row := models.ActivityEvent{
		ID:         ev.ID,
		TaskID:     ev.TaskID,
		Type:       string(ev.Type),
		Status:     string(ev.Status),
		PartnerID:  ev.PartnerID,
		Progress:   ev.Progress,
		DurationMs: ev.DurationMs,
		Timestamp:  ev.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, false, fmt.Errorf("store activity: %w", err)
	}

	s.trackTask(ev)
	appmetrics.IncActivityEvent(string(ev.Status))

	out := row.ToProtocol()
	s.publish(protocol.TypeAIActivity, out)
	return &out, true, nil
}

// trackTask keeps the set of in-flight tasks used for activeWorkers.
func (s *ActivityService) trackTask(ev protocol.ActivityEvent) {
	key := ev.TaskID
	if key == "" {
		key = ev.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Status {
	case protocol.TaskProcessing:
		if _, ok := s.running[key]; !ok {
			s.running[key] = ev.Timestamp
		}
	default:
		delete(s.running, key)
	}
}

// pruneRunning drops tasks whose terminal event never arrived. It returns
// how many were dropped.
func (s *ActivityService) pruneRunning() int {
	if s.cfg.RunningTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.RunningTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for key, started := range s.running {
		if started.Before(cutoff) {
			delete(s.running, key)
			pruned++
		}
	}
	return pruned
}

// SetQueueDepth AI 管理器上报当前排队任务数
func (s *ActivityService) SetQueueDepth(depth int) error {
	if depth < 0 {
		return invalidf("queue depth must not be negative")
	}
	s.mu.Lock()
	s.queueDepth = depth
	today := startOfDay(s.now())
	if !s.peakQueueOn.Equal(today) {
		s.peakQueueOn = today
		s.peakQueue = 0
	}
	if depth > s.peakQueue {
		s.peakQueue = depth
	}
	s.mu.Unlock()
	return nil
}

// Snapshot 计算当前统计快照
func (s *ActivityService) Snapshot(ctx context.Context) (protocol.StatsSnapshot, error) {
	now := s.now()
	completed, failed, avg, err := s.dayTotals(ctx, startOfDay(now))
	if err != nil {
		return protocol.StatsSnapshot{}, err
	}

	s.mu.Lock()
	active := len(s.running)
	queued := s.queueDepth
	s.mu.Unlock()

	snap := protocol.StatsSnapshot{
		ActiveWorkers:     active,
		QueuedTasks:       queued,
		CompletedToday:    completed,
		AvgProcessingTime: avg,
		GeneratedAt:       now,
	}
	if total := completed + failed; total > 0 {
		snap.SuccessRate = float64(completed) / float64(total)
	}
	return snap, nil
}

func (s *ActivityService) dayTotals(ctx context.Context, day time.Time) (completed, failed int64, avgMs float64, err error) {
	next := day.Add(24 * time.Hour)
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.ActivityEvent{}).
			Where("timestamp >= ? AND timestamp < ?", day, next)
	}
	if err = base().Where("status = ?", string(protocol.TaskCompleted)).Count(&completed).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("count completed: %w", err)
	}
	if err = base().Where("status = ?", string(protocol.TaskFailed)).Count(&failed).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("count failed: %w", err)
	}
	var avg *float64
	if err = base().Where("status = ? AND duration_ms > 0", string(protocol.TaskCompleted)).
		Select("AVG(duration_ms)").Row().Scan(&avg); err != nil {
		return 0, 0, 0, fmt.Errorf("average duration: %w", err)
	}
	if avg != nil {
		avgMs = *avg
	}
	return completed, failed, avgMs, nil
}

// Dashboard 当前快照与最近事件（按时间升序）
func (s *ActivityService) Dashboard(ctx context.Context) (*protocol.DashboardSummary, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.ActivityEvent
	if err := s.db.WithContext(ctx).
		Order("timestamp DESC").Order("id DESC").
		Limit(s.cfg.RecentLimit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	recent := make([]protocol.ActivityEvent, len(rows))
	for i, r := range rows {
		recent[len(rows)-1-i] = r.ToProtocol()
	}
	return &protocol.DashboardSummary{Stats: snap, RecentEvents: recent}, nil
}

// PublishStats 计算快照并整体推送给所有在线管理员
func (s *ActivityService) PublishStats(ctx context.Context) (protocol.StatsSnapshot, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return snap, err
	}
	s.publish(protocol.TypeAIStats, snap)
	return snap, nil
}

// UpdateDailyStats 汇总某日的活动、会话与聊天数据
func (s *ActivityService) UpdateDailyStats(ctx context.Context, date time.Time) error {
	day := startOfDay(date)
	next := day.Add(24 * time.Hour)

	var daily models.DailyActivityStats
	err := s.db.WithContext(ctx).Where("date = ?", day).First(&daily).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query daily stats: %w", err)
		}
		daily = models.DailyActivityStats{Date: day}
	}

	completed, failed, avg, err := s.dayTotals(ctx, day)
	if err != nil {
		return err
	}
	daily.CompletedTasks = completed
	daily.FailedTasks = failed
	daily.AvgProcessingTime = avg

	if err := s.db.WithContext(ctx).Model(&models.RemoteSession{}).
		Where("requested_at >= ? AND requested_at < ?", day, next).
		Count(&daily.RemoteSessions).Error; err != nil {
		return fmt.Errorf("count remote sessions: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("created_at >= ? AND created_at < ?", day, next).
		Count(&daily.ChatMessages).Error; err != nil {
		return fmt.Errorf("count chat messages: %w", err)
	}

	s.mu.Lock()
	if s.peakQueueOn.Equal(day) && s.peakQueue > daily.PeakQueueDepth {
		daily.PeakQueueDepth = s.peakQueue
	}
	s.mu.Unlock()

	if daily.ID == 0 {
		err = s.db.WithContext(ctx).Create(&daily).Error
	} else {
		err = s.db.WithContext(ctx).Save(&daily).Error
	}
	if err != nil {
		return fmt.Errorf("failed to save daily stats: %w", err)
	}
	s.logger.Debugf("Updated daily activity stats for %s", day.Format("2006-01-02"))
	return nil
}

// DailyStats 查询日期区间内的每日统计
func (s *ActivityService) DailyStats(ctx context.Context, from, to time.Time) ([]models.DailyActivityStats, error) {
	var out []models.DailyActivityStats
	err := s.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", startOfDay(from), startOfDay(to)).
		Order("date ASC").Find(&out).Error
	return out, err
}

// StartStatsWorker 立即推送一次快照，之后按 StatsInterval 周期推送并刷新每日统计；
// 每轮先清理超过 RunningTTL 的进行中任务
func (s *ActivityService) StartStatsWorker(ctx context.Context) {
	interval := s.cfg.StatsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n := s.pruneRunning(); n > 0 {
			s.logger.Warnf("Dropped %d tasks with no terminal event within %s", n, s.cfg.RunningTTL)
		}
		if _, err := s.PublishStats(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorf("Failed to publish AI stats: %v", err)
		}
		if err := s.UpdateDailyStats(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Errorf("Failed to update daily stats: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *ActivityService) publish(msgType string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Errorf("Failed to encode %s push: %v", msgType, err)
		return
	}
	s.notifier.SendToRole(protocol.RoleAdmin, env)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
