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

// RemoteAccessHandler 远程协助会话 API
type RemoteAccessHandler struct {
	sessions *services.RemoteSessionService
	logger   *logrus.Logger
}

// NewRemoteAccessHandler 创建远程协助处理器
func NewRemoteAccessHandler(sessions *services.RemoteSessionService, logger *logrus.Logger) *RemoteAccessHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RemoteAccessHandler{sessions: sessions, logger: logger}
}

// RequestAccess POST /api/remote-access/requests
func (h *RemoteAccessHandler) RequestAccess(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	var req protocol.AccessRequest
	if !bindJSON(c, &req) {
		return
	}

	session, err := h.sessions.RequestAccess(c.Request.Context(), identity, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusCreated, session)
}

// ListSessions GET /api/remote-access/sessions?status=
func (h *RemoteAccessHandler) ListSessions(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	status := c.Query("status")
	if status != "" && !protocol.SessionStatus(status).Valid() {
		abortWithError(c, http.StatusBadRequest, "invalid_input", "unknown status "+status)
		return
	}

	sessions, err := h.sessions.ListSessions(c.Request.Context(), identity, status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, sessions)
}

// GetSession GET /api/remote-access/sessions/:id
func (h *RemoteAccessHandler) GetSession(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, session)
}

// Respond POST /api/remote-access/sessions/:id/respond
func (h *RemoteAccessHandler) Respond(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	var req protocol.RespondRequest
	if !bindJSON(c, &req) {
		return
	}

	session, err := h.sessions.Respond(c.Request.Context(), identity, c.Param("id"), req.Accept)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, session)
}

// EndSession POST /api/remote-access/sessions/:id/end
func (h *RemoteAccessHandler) EndSession(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	session, err := h.sessions.EndSession(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, session)
}

// OfferViewer POST /api/remote-access/sessions/:id/viewer/offer
func (h *RemoteAccessHandler) OfferViewer(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	var offer protocol.ViewerOffer
	if !bindJSON(c, &offer) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	answer, err := h.sessions.OfferViewer(ctx, identity, c.Param("id"), offer)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, answer)
}

// RegisterRemoteAccessRoutes 注册远程协助路由
func RegisterRemoteAccessRoutes(r *gin.RouterGroup, h *RemoteAccessHandler) {
	ra := r.Group("/remote-access")
	{
		ra.POST("/requests", h.RequestAccess)
		ra.GET("/sessions", h.ListSessions)
		ra.GET("/sessions/:id", h.GetSession)
		ra.POST("/sessions/:id/respond", h.Respond)
		ra.POST("/sessions/:id/end", h.EndSession)
		ra.POST("/sessions/:id/viewer/offer", h.OfferViewer)
	}
}
