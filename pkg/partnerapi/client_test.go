package partnerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerhub/pkg/protocol"
	"partnerhub/pkg/realtime"
)

func canBindLocal() bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	if !canBindLocal() {
		t.Skip("local TCP bind not permitted in this environment")
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewClient(&Config{
		BaseURL:    srv.URL,
		Token:      "tok",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, logger)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: kind, Message: message})
}

func TestClient_ListMessagesDecodesDataAndSendsToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/chat/rooms/3/messages", r.URL.Path)
		writeData(w, http.StatusOK, []protocol.ChatMessage{{ID: 1, RoomID: 3}, {ID: 2, RoomID: 3}})
	})

	msgs, err := c.ListMessages(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[1].ID)
}

func TestClient_RetriesIdempotentCallsOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "try later")
			return
		}
		writeData(w, http.StatusOK, []protocol.RemoteSession{{ID: "s1"}})
	})

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetrySend(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusInternalServerError, "internal", "boom")
	})

	_, err := c.SendMessage(context.Background(), 1, protocol.SendMessageRequest{Payload: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ConflictSurfacesAsAPIError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusConflict, "conflict", "partner already has an open session")
	})

	_, err := c.RequestAccess(context.Background(), protocol.AccessRequest{PartnerID: "p1"})
	var apiErr *protocol.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "conflict", apiErr.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusNotFound, "not_found", "no such session")
	})

	_, err := c.EndSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CoordinatorMapsConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, "conflict", "partner already has an open session")
	})

	coord := realtime.NewRemoteSessionCoordinator(c, nil, protocol.Identity{ID: "a1", Role: protocol.RoleAdmin}, nil)
	_, err := coord.RequestAccess(context.Background(), "p1", protocol.Permissions{ViewOnly: true})
	var conflict *realtime.ConflictError
	require.True(t, errors.As(err, &conflict))
}

func TestClient_SetQueueDepthWithoutData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body protocol.QueueDepthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 12, body.Depth)
		writeData(w, http.StatusOK, nil)
	})

	require.NoError(t, c.SetQueueDepth(context.Background(), 12))
}
