package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/middleware"
	"partnerhub/internal/services"
	"partnerhub/pkg/protocol"
)

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{Success: true, Data: data})
}

func abortWithError(c *gin.Context, status int, kind, msg string) {
	c.AbortWithStatusJSON(status, protocol.ErrorResponse{Error: kind, Message: msg, Code: status})
}

// respondError 将服务层错误映射为 HTTP 状态码；未知错误只记录日志，不向调用方暴露细节
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		abortWithError(c, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, services.ErrConflict):
		abortWithError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, services.ErrNotFound):
		abortWithError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, services.ErrForbidden):
		abortWithError(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		abortWithError(c, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Errorf("Request failed: %v", err)
		abortWithError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// caller 返回认证后的身份；缺失时以 401 终止请求
func caller(c *gin.Context) (protocol.Identity, bool) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized", "missing identity")
	}
	return identity, ok
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		abortWithError(c, http.StatusBadRequest, "invalid_input", "invalid "+name)
		return 0, false
	}
	return v, true
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_input", "Invalid request format: "+err.Error())
		return false
	}
	return true
}
