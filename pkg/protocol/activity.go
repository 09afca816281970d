package protocol

import (
	"fmt"
	"time"
)

// TaskStatus AI 任务状态
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	return s == TaskProcessing || s == TaskCompleted || s == TaskFailed
}

// TaskType AI 任务种类
type TaskType string

const (
	TaskListingSync     TaskType = "listing_sync"
	TaskPriceUpdate     TaskType = "price_update"
	TaskInventoryCheck  TaskType = "inventory_check"
	TaskContentGenerate TaskType = "content_generation"
	TaskOrderReview     TaskType = "order_review"
)

// ActivityEvent 一次 AI 任务事件
type ActivityEvent struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`
	PartnerID  string     `json:"partner_id"`
	Progress   *float64   `json:"progress,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// Validate 校验入站事件
func (e ActivityEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("unknown task status %q", e.Status)
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 100) {
		return fmt.Errorf("progress must be within 0..100")
	}
	return nil
}

// StatsSnapshot 周期性整体替换的统计快照
type StatsSnapshot struct {
	ActiveWorkers     int       `json:"active_workers"`
	QueuedTasks       int       `json:"queued_tasks"`
	CompletedToday    int64     `json:"completed_today"`
	SuccessRate       float64   `json:"success_rate"`
	AvgProcessingTime float64   `json:"avg_processing_time"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// DashboardSummary AI 仪表板当前状态
type DashboardSummary struct {
	Stats        StatsSnapshot   `json:"stats"`
	RecentEvents []ActivityEvent `json:"recent_events"`
}

// QueueDepthRequest AI 管理器上报队列深度
type QueueDepthRequest struct {
	Depth int `json:"depth"`
}
