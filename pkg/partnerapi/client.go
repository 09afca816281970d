package partnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

// Client partnerhub REST 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

var (
	_ realtime.ChatAPI     = (*Client)(nil)
	_ realtime.RemoteAPI   = (*Client)(nil)
	_ realtime.ActivityAPI = (*Client)(nil)
)

// NewClient 创建新的客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// 私有方法：创建 HTTP 请求
func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "partnerhub-client/1.0")

	return req, nil
}

// 私有方法：执行请求
func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("API Request: %s %s", req.Method, req.URL.String())
	c.logger.Debugf("API Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		apiErr := &protocol.APIError{StatusCode: resp.StatusCode, Kind: http.StatusText(resp.StatusCode)}
		var errResp protocol.ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			apiErr.Kind = errResp.Error
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if result == nil {
		return nil
	}

	var envelope response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// 私有方法：带重试的请求，仅用于幂等调用
func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("API retry attempt %d/%d: %s %s", attempt, c.config.MaxRetries, method, endpoint)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries && shouldRetry(ctx, err) {
				continue
			}
			break
		}

		return nil
	}

	return lastErr
}

// 私有方法：单次请求，用于非幂等调用
func (c *Client) doOnce(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	req, err := c.createRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

// 网络错误或 5xx 错误可以重试；4xx 和上下文取消不重试
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *protocol.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// ListRooms 管理员会话列表
func (c *Client) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/chat/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// OpenRoom 打开（惰性创建）与合作伙伴的会话；重复调用返回同一会话
func (c *Client) OpenRoom(ctx context.Context, partnerID string) (*protocol.Room, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("partner ID is required")
	}
	var room protocol.Room
	req := protocol.OpenRoomRequest{PartnerID: partnerID}
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "/api/chat/rooms", req, &room); err != nil {
		return nil, fmt.Errorf("open room: %w", err)
	}
	return &room, nil
}

// ArchiveRoom 软归档会话
func (c *Client) ArchiveRoom(ctx context.Context, roomID uint64) (*protocol.Room, error) {
	var room protocol.Room
	endpoint := fmt.Sprintf("/api/chat/rooms/%d/archive", roomID)
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, nil, &room); err != nil {
		return nil, fmt.Errorf("archive room: %w", err)
	}
	return &room, nil
}

// ListMessages 按 id 排序的完整消息列表
func (c *Client) ListMessages(ctx context.Context, roomID uint64) ([]protocol.ChatMessage, error) {
	var msgs []protocol.ChatMessage
	endpoint := fmt.Sprintf("/api/chat/rooms/%d/messages", roomID)
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MyMessages 合作伙伴自己的会话及消息
func (c *Client) MyMessages(ctx context.Context) (*MyRoom, error) {
	var mine MyRoom
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/chat/messages/mine", nil, &mine); err != nil {
		return nil, fmt.Errorf("list my messages: %w", err)
	}
	return &mine, nil
}

// SendMessage 发送消息。不自动重试，以免重复发送
func (c *Client) SendMessage(ctx context.Context, roomID uint64, req protocol.SendMessageRequest) (*protocol.ChatMessage, error) {
	var msg protocol.ChatMessage
	endpoint := fmt.Sprintf("/api/chat/rooms/%d/messages", roomID)
	if err := c.doOnce(ctx, http.MethodPost, endpoint, req, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}

// RequestAccess 发起远程协助请求。不自动重试
func (c *Client) RequestAccess(ctx context.Context, req protocol.AccessRequest) (*protocol.RemoteSession, error) {
	var session protocol.RemoteSession
	if err := c.doOnce(ctx, http.MethodPost, "/api/remote-access/requests", req, &session); err != nil {
		return nil, fmt.Errorf("request access: %w", err)
	}
	return &session, nil
}

// RespondAccess 批准或拒绝；对非 pending 会话为空操作，可安全重试
func (c *Client) RespondAccess(ctx context.Context, sessionID string, accept bool) (*protocol.RemoteSession, error) {
	var session protocol.RemoteSession
	endpoint := fmt.Sprintf("/api/remote-access/sessions/%s/respond", sessionID)
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, protocol.RespondRequest{Accept: accept}, &session); err != nil {
		return nil, fmt.Errorf("respond access: %w", err)
	}
	return &session, nil
}

// EndSession 结束会话（幂等）
func (c *Client) EndSession(ctx context.Context, sessionID string) (*protocol.RemoteSession, error) {
	var session protocol.RemoteSession
	endpoint := fmt.Sprintf("/api/remote-access/sessions/%s/end", sessionID)
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, nil, &session); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return &session, nil
}

// ListSessions 当前身份可见的会话
func (c *Client) ListSessions(ctx context.Context) ([]protocol.RemoteSession, error) {
	var sessions []protocol.RemoteSession
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/remote-access/sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession 获取单个会话
func (c *Client) GetSession(ctx context.Context, sessionID string) (*protocol.RemoteSession, error) {
	var session protocol.RemoteSession
	endpoint := fmt.Sprintf("/api/remote-access/sessions/%s", sessionID)
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, nil, &session); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// OfferViewer 提交查看通道 SDP offer，返回 answer
func (c *Client) OfferViewer(ctx context.Context, sessionID string, offer protocol.ViewerOffer) (*protocol.ViewerOffer, error) {
	var answer protocol.ViewerOffer
	endpoint := fmt.Sprintf("/api/remote-access/sessions/%s/viewer/offer", sessionID)
	if err := c.doOnce(ctx, http.MethodPost, endpoint, offer, &answer); err != nil {
		return nil, fmt.Errorf("viewer offer: %w", err)
	}
	return &answer, nil
}

// Dashboard AI 仪表板摘要
func (c *Client) Dashboard(ctx context.Context) (*protocol.DashboardSummary, error) {
	var summary protocol.DashboardSummary
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/ai/dashboard", nil, &summary); err != nil {
		return nil, fmt.Errorf("get dashboard: %w", err)
	}
	return &summary, nil
}

// RecordActivity 上报 AI 任务事件；事件带 id 时服务端按 id 去重，可安全重试
func (c *Client) RecordActivity(ctx context.Context, ev protocol.ActivityEvent) (*protocol.ActivityEvent, error) {
	var stored protocol.ActivityEvent
	do := c.doOnce
	if ev.ID != "" {
		do = c.doRequestWithRetry
	}
	if err := do(ctx, http.MethodPost, "/api/ai/activity", ev, &stored); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}
	return &stored, nil
}

// SetQueueDepth 上报队列深度
func (c *Client) SetQueueDepth(ctx context.Context, depth int) error {
	if err := c.doRequestWithRetry(ctx, http.MethodPut, "/api/ai/queue", protocol.QueueDepthRequest{Depth: depth}, nil); err != nil {
		return fmt.Errorf("set queue depth: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
