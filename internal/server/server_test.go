package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/internal/middleware"
	"partnerhub/internal/models"
	"partnerhub/pkg/partnerapi"
	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

var (
	admin   = protocol.Identity{ID: "admin-1", Role: protocol.RoleAdmin}
	partner = protocol.Identity{ID: "p1", Role: protocol.RolePartner}
)

func canBindLocal() bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.Database.MaxOpenConns = 1
	cfg.WebRTC.Enabled = false
	cfg.Security.RateLimiting.Enabled = false
	cfg.Activity.StatsInterval = time.Hour
	cfg.JWT.Secret = "test-secret"
	return cfg
}

// startServer 启动完整应用并返回其 HTTP 地址
func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	if !canBindLocal() {
		t.Skip("local TCP bind not permitted in this environment")
	}
	gin.SetMode(gin.TestMode)
	appmetrics.Reset()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := OpenDatabase(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	ctx, cancel := context.WithCancel(context.Background())
	app := NewApp(cfg, db, logger)
	app.Start(ctx)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		app.Wait()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return srv.URL
}

func apiClient(t *testing.T, cfg *config.Config, base string, id protocol.Identity) *partnerapi.Client {
	t.Helper()
	tok, err := middleware.IdentityToken(id, cfg.JWT.Secret, time.Hour)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return partnerapi.NewClient(&partnerapi.Config{
		BaseURL:    base,
		Token:      tok,
		Timeout:    2 * time.Second,
		MaxRetries: 0,
	}, logger)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "partnerhub_push_active_connections")
}

func TestServer_APIRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)

	resp, err := http.Get(base + "/api/chat/rooms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_DashboardIsAdminOnly(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)

	_, err := apiClient(t, cfg, base, partner).Dashboard(context.Background())
	var apiErr *protocol.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	summary, err := apiClient(t, cfg, base, admin).Dashboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.RecentEvents)
}

func TestServer_ChatMessagePushedToAdmin(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)
	ctx := context.Background()

	adminAPI := apiClient(t, cfg, base, admin)
	partnerAPI := apiClient(t, cfg, base, partner)

	tok, err := middleware.IdentityToken(admin, cfg.JWT.Secret, time.Hour)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	conn := realtime.NewConnectionManager(realtime.Options{
		URL:    "ws" + strings.TrimPrefix(base, "http") + "/api/v1/ws?token=" + tok,
		Logger: logger,
	})
	t.Cleanup(conn.Close)

	var (
		mu       sync.Mutex
		received []protocol.ChatMessage
	)
	conn.Subscribe(protocol.TypeChatMessage, func(env protocol.Envelope) {
		var msg protocol.ChatMessage
		if err := env.Decode(&msg); err == nil {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		}
	})
	require.NoError(t, conn.Connect(admin))
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, conn.WaitOpen(wctx))

	room, err := adminAPI.OpenRoom(ctx, partner.ID)
	require.NoError(t, err)

	sent, err := partnerAPI.SendMessage(ctx, room.ID, protocol.SendMessageRequest{
		ContentType: protocol.ContentText,
		Payload:     "hello from p1",
		ClientMsgID: "c-1",
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, sent.ID, received[0].ID)
	assert.Equal(t, "hello from p1", received[0].Payload)

	// 同一 client_msg_id 重发返回原消息
	again, err := partnerAPI.SendMessage(ctx, room.ID, protocol.SendMessageRequest{
		ContentType: protocol.ContentText,
		Payload:     "hello from p1",
		ClientMsgID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, sent.ID, again.ID)
}

func TestServer_HandshakeTokenMismatchIsPermanent(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)

	tok, err := middleware.IdentityToken(partner, cfg.JWT.Secret, time.Hour)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	conn := realtime.NewConnectionManager(realtime.Options{
		URL:    "ws" + strings.TrimPrefix(base, "http") + "/api/v1/ws?token=" + tok,
		Logger: logger,
	})
	t.Cleanup(conn.Close)

	closed := make(chan realtime.StateChange, 4)
	conn.OnStateChange(func(ch realtime.StateChange) {
		if ch.State == realtime.StateClosed && ch.Err != nil {
			closed <- ch
		}
	})
	require.NoError(t, conn.Connect(admin))

	select {
	case ch := <-closed:
		var connErr *realtime.ConnectionError
		require.True(t, errors.As(ch.Err, &connErr), "got %v", ch.Err)
		assert.Equal(t, "handshake", connErr.Op)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected permanent handshake failure")
	}
	assert.Equal(t, 0, conn.RetryCount())
}

func TestServer_TokenlessHandshakeCannotSupersede(t *testing.T) {
	cfg := testConfig(t)
	base := startServer(t, cfg)
	wsBase := "ws" + strings.TrimPrefix(base, "http") + "/api/v1/ws"

	tok, err := middleware.IdentityToken(admin, cfg.JWT.Secret, time.Hour)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	owner := realtime.NewConnectionManager(realtime.Options{URL: wsBase + "?token=" + tok, Logger: logger})
	t.Cleanup(owner.Close)
	require.NoError(t, owner.Connect(admin))
	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, owner.WaitOpen(wctx))

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"?userId=admin-1&role=admin", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, realtime.StateOpen, owner.State())
}
