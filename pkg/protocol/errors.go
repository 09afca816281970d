package protocol

import "fmt"

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// APIError is the client-side view of a non-2xx REST response.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error [%d]: %s", e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("API error [%d]: %s (%s)", e.StatusCode, e.Message, e.Kind)
}
