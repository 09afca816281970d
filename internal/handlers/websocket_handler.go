package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/middleware"
	"partnerhub/internal/services"
	"partnerhub/pkg/protocol"
)

// WebSocketHandler 推送通道握手与统计
type WebSocketHandler struct {
	hub            *services.PushHub
	allowAnonymous bool
	logger         *logrus.Logger
}

// NewWebSocketHandler 创建推送处理器。握手默认必须携带令牌，allowAnonymous 仅供本地开发
func NewWebSocketHandler(hub *services.PushHub, allowAnonymous bool, logger *logrus.Logger) *WebSocketHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebSocketHandler{hub: hub, allowAnonymous: allowAnonymous, logger: logger}
}

// HandleWebSocket GET /api/v1/ws?userId=&role=
// 身份参数非法返回 400；缺少令牌返回 401；令牌身份与参数不一致返回 403。
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	identity := protocol.Identity{
		ID:   c.Query(protocol.QueryUserID),
		Role: protocol.Role(c.Query(protocol.QueryRole)),
	}
	if err := identity.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	authed, ok := middleware.IdentityFromContext(c)
	switch {
	case ok && authed != identity:
		abortWithError(c, http.StatusForbidden, "forbidden", "token identity does not match handshake")
		return
	case !ok && !h.allowAnonymous:
		abortWithError(c, http.StatusUnauthorized, "Unauthorized", "missing token")
		return
	}

	if err := h.hub.Serve(c.Writer, c.Request, identity); err != nil {
		if errors.Is(err, services.ErrHubClosed) {
			h.logger.Warnf("Push handshake for %s after shutdown", identity.Key())
			return
		}
		// the upgrader has already written the HTTP error
		h.logger.Debugf("Push upgrade for %s failed: %v", identity.Key(), err)
	}
}

// GetStats GET /api/v1/ws/stats
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	respond(c, http.StatusOK, h.hub.Stats())
}
