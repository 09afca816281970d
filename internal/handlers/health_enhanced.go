package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"partnerhub/internal/config"
	"partnerhub/internal/services"
	"partnerhub/internal/version"
)

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	config *config.Config
	db     *gorm.DB
	hub    *services.PushHub
	logger *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(cfg *config.Config, db *gorm.DB, hub *services.PushHub) *HealthHandler {
	return &HealthHandler{
		config: cfg,
		db:     db,
		hub:    hub,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 存活检查；数据库不可用时状态为 degraded 但仍返回 200
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	response.Services["database"] = db
	if h.hub != nil {
		response.Services["push"] = ServiceInfo{Status: "healthy", Details: h.hub.Stats()}
	}
	if db.Status != "healthy" {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查：数据库可用才接收流量
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  gin.H{"database": db.Status},
	})
}

// checkDatabase 执行 ping 检查数据库连接
func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{}
	if h.config != nil {
		info.Details = map[string]interface{}{"driver": h.config.Database.Driver}
	}
	if h.db == nil {
		info.Status = "unhealthy"
		info.Error = "database connection not initialized"
		return info
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.Warnf("Database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}
