package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/services"
	"partnerhub/pkg/protocol"
)

// AIHandler AI 活动仪表板与 AI 管理器上报接口
type AIHandler struct {
	activity *services.ActivityService
	logger   *logrus.Logger
}

// NewAIHandler 创建 AI 处理器
func NewAIHandler(activity *services.ActivityService, logger *logrus.Logger) *AIHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AIHandler{activity: activity, logger: logger}
}

// GetDashboard GET /api/ai/dashboard
func (h *AIHandler) GetDashboard(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	summary, err := h.activity.Dashboard(ctx)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, summary)
}

// RecordActivity POST /api/ai/activity
// 重复的事件 id 返回已存储的事件与 200，新事件返回 201
func (h *AIHandler) RecordActivity(c *gin.Context) {
	var ev protocol.ActivityEvent
	if !bindJSON(c, &ev) {
		return
	}

	stored, created, err := h.activity.Record(c.Request.Context(), ev)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, status, stored)
}

// SetQueueDepth PUT /api/ai/queue
func (h *AIHandler) SetQueueDepth(c *gin.Context) {
	var req protocol.QueueDepthRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.activity.SetQueueDepth(req.Depth); err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, req)
}

// RegisterAIRoutes 注册 AI 仪表板路由；上报接口仅管理员身份可调用
func RegisterAIRoutes(r *gin.RouterGroup, h *AIHandler, adminOnly gin.HandlerFunc) {
	ai := r.Group("/ai")
	{
		ai.GET("/dashboard", adminOnly, h.GetDashboard)
		ai.POST("/activity", adminOnly, h.RecordActivity)
		ai.PUT("/queue", adminOnly, h.SetQueueDepth)
	}
}
