package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/services"
	"partnerhub/pkg/protocol"
)

// ChatHandler 管理员与合作伙伴之间的聊天 API
type ChatHandler struct {
	chatService *services.ChatService
	logger      *logrus.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(chatService *services.ChatService, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{chatService: chatService, logger: logger}
}

// MyRoomResponse 合作伙伴自己的聊天室及消息
type MyRoomResponse struct {
	Room     *protocol.Room         `json:"room"`
	Messages []protocol.ChatMessage `json:"messages"`
}

// ListRooms GET /api/chat/rooms
func (h *ChatHandler) ListRooms(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(c.Query("include_archived"))

	rooms, err := h.chatService.ListRooms(c.Request.Context(), identity, includeArchived)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, rooms)
}

// OpenRoom POST /api/chat/rooms
func (h *ChatHandler) OpenRoom(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	var req protocol.OpenRoomRequest
	if !bindJSON(c, &req) {
		return
	}

	room, err := h.chatService.OpenRoom(c.Request.Context(), identity, req.PartnerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, room)
}

// ArchiveRoom POST /api/chat/rooms/:id/archive
func (h *ChatHandler) ArchiveRoom(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	roomID, ok := uintParam(c, "id")
	if !ok {
		return
	}

	room, err := h.chatService.ArchiveRoom(c.Request.Context(), identity, roomID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, room)
}

// ListMessages GET /api/chat/rooms/:id/messages?after_id=&limit=
func (h *ChatHandler) ListMessages(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	roomID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var afterID uint64
	if v := c.Query("after_id"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_input", "invalid after_id")
			return
		}
		afterID = parsed
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	messages, err := h.chatService.ListMessages(c.Request.Context(), identity, roomID, afterID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, messages)
}

// MyMessages GET /api/chat/messages/mine
func (h *ChatHandler) MyMessages(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	room, messages, err := h.chatService.MyRoom(c.Request.Context(), identity)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respond(c, http.StatusOK, MyRoomResponse{Room: room, Messages: messages})
}

// SendMessage POST /api/chat/rooms/:id/messages
// 新消息返回 201；携带已使用过的 client_msg_id 时返回原消息与 200
func (h *ChatHandler) SendMessage(c *gin.Context) {
	identity, ok := caller(c)
	if !ok {
		return
	}
	roomID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if !bindJSON(c, &req) {
		return
	}

	msg, created, err := h.chatService.SendMessage(c.Request.Context(), identity, roomID, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, status, msg)
}

// RegisterChatRoutes 注册聊天路由
func RegisterChatRoutes(r *gin.RouterGroup, h *ChatHandler) {
	chat := r.Group("/chat")
	{
		chat.GET("/rooms", h.ListRooms)
		chat.POST("/rooms", h.OpenRoom)
		chat.POST("/rooms/:id/archive", h.ArchiveRoom)
		chat.GET("/rooms/:id/messages", h.ListMessages)
		chat.POST("/rooms/:id/messages", h.SendMessage)
		chat.GET("/messages/mine", h.MyMessages)
	}
}
