package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	appmetrics "partnerhub/internal/metrics"
	"partnerhub/internal/services"
	"partnerhub/internal/version"
)

// MetricsHandler 指标处理器
type MetricsHandler struct {
	hub       *services.PushHub
	viewer    *services.ViewerService
	db        *gorm.DB
	startedAt time.Time
}

// NewMetricsHandler 创建指标处理器；各依赖均可为 nil
func NewMetricsHandler(hub *services.PushHub, viewer *services.ViewerService, db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{hub: hub, viewer: viewer, db: db, startedAt: time.Now()}
}

// GetMetrics 获取系统指标（Prometheus 格式）
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")

	b := &strings.Builder{}
	esc := func(s string) string { return strings.ReplaceAll(s, "\"", "\\\"") }
	gauge(b, "partnerhub_info", "Information about the partnerhub instance")
	fmt.Fprintf(b, "partnerhub_info{version=\"%s\",commit=\"%s\",build_time=\"%s\"} 1\n\n",
		esc(version.Version), esc(version.Commit), esc(version.BuildTime))

	counter(b, "partnerhub_uptime_seconds", "Total uptime in seconds")
	fmt.Fprintf(b, "partnerhub_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	// push channel
	connections, viewers := 0, 0
	if h.hub != nil {
		connections = h.hub.GetClientCount()
	}
	if h.viewer != nil {
		viewers = h.viewer.GetConnectionCount()
	}
	gauge(b, "partnerhub_push_active_connections", "Active push connections")
	fmt.Fprintf(b, "partnerhub_push_active_connections %d\n\n", connections)
	gauge(b, "partnerhub_viewer_channels", "Open remote-session viewer channels")
	fmt.Fprintf(b, "partnerhub_viewer_channels %d\n\n", viewers)

	connects, supersedes, dropped := appmetrics.PushSnapshot()
	counter(b, "partnerhub_push_connects_total", "Accepted push handshakes by role")
	writeLabeled(b, "partnerhub_push_connects_total", "role", connects)
	counter(b, "partnerhub_push_superseded_total", "Push connections closed by a newer connection for the same identity")
	fmt.Fprintf(b, "partnerhub_push_superseded_total %d\n\n", supersedes)
	counter(b, "partnerhub_push_dropped_total", "Push frames or connections dropped by reason")
	writeLabeled(b, "partnerhub_push_dropped_total", "reason", dropped)

	total, byPrefix := appmetrics.RateLimitSnapshot()
	counter(b, "partnerhub_rate_limit_dropped_total", "Requests rejected by the rate limiter")
	fmt.Fprintf(b, "partnerhub_rate_limit_dropped_total %d\n\n", total)
	counter(b, "partnerhub_rate_limit_dropped_by_prefix_total", "Rate limiter rejections by route prefix")
	writeLabeled(b, "partnerhub_rate_limit_dropped_by_prefix_total", "prefix", byPrefix)

	chat, sessions, activity := appmetrics.DomainSnapshot()
	counter(b, "partnerhub_chat_messages_total", "Chat messages stored by sender role")
	writeLabeled(b, "partnerhub_chat_messages_total", "role", chat)
	counter(b, "partnerhub_remote_session_transitions_total", "Remote session transitions by target status")
	writeLabeled(b, "partnerhub_remote_session_transitions_total", "status", sessions)
	counter(b, "partnerhub_ai_activity_events_total", "AI activity events ingested by task status")
	writeLabeled(b, "partnerhub_ai_activity_events_total", "status", activity)

	// Go runtime minimal metrics
	gauge(b, "partnerhub_go_goroutines", "Number of goroutines")
	fmt.Fprintf(b, "partnerhub_go_goroutines %d\n\n", runtime.NumGoroutine())
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	gauge(b, "partnerhub_go_mem_alloc_bytes", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "partnerhub_go_mem_alloc_bytes %d\n", ms.Alloc)

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			ds := sqlDB.Stats()
			b.WriteString("\n")
			gauge(b, "partnerhub_db_open_connections", "The number of established connections both in use and idle")
			fmt.Fprintf(b, "partnerhub_db_open_connections %d\n", ds.OpenConnections)
			gauge(b, "partnerhub_db_inuse_connections", "The number of connections currently in use")
			fmt.Fprintf(b, "partnerhub_db_inuse_connections %d\n", ds.InUse)
			gauge(b, "partnerhub_db_idle_connections", "The number of idle connections")
			fmt.Fprintf(b, "partnerhub_db_idle_connections %d\n", ds.Idle)
			counter(b, "partnerhub_db_wait_count", "The total number of connections waited for")
			fmt.Fprintf(b, "partnerhub_db_wait_count %d\n", ds.WaitCount)
		}
	}

	c.String(http.StatusOK, b.String())
}

func gauge(b *strings.Builder, name, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n", name, help, name)
}

func counter(b *strings.Builder, name, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
}

// writeLabeled emits one sample per label in a stable order.
func writeLabeled(b *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, strings.ReplaceAll(k, "\"", "\\\""), values[k])
	}
	b.WriteString("\n")
}
