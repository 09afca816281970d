package realtime

import (
	"errors"
	"fmt"
	"net/http"

	"partnerhub/pkg/protocol"
)

// ErrSuperseded is reported when the server replaced this connection with a newer one
// for the same identity, or a local Connect/Close made the loop stale.
var ErrSuperseded = errors.New("connection superseded")

// ConnectionError 传输层错误，只体现为连接状态变化，不向业务层传播
type ConnectionError struct {
	Op    string
	Epoch uint64
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (epoch %d): %v", e.Op, e.Epoch, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConflictError 状态机前置条件不满足（例如重复的待处理会话），立即返回给调用方
type ConflictError struct {
	Resource string
	Message  string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ValidationError 输入不合法，在任何网络调用前拒绝
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DeliveryFailure 发送未被确认，界面应将消息标记为失败并允许重发
type DeliveryFailure struct {
	RoomID  uint64
	LocalID string
	Err     error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("message %s in room %d not delivered: %v", e.LocalID, e.RoomID, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// classifyAPIError maps REST failures onto the business error taxonomy.
func classifyAPIError(resource string, err error) error {
	var apiErr *protocol.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusConflict:
		return &ConflictError{Resource: resource, Message: apiErr.Message, Err: err}
	case http.StatusBadRequest:
		return &ValidationError{Field: resource, Message: apiErr.Message}
	default:
		return err
	}
}
