package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerhub/internal/config"
	"partnerhub/pkg/protocol"
)

func newTestChatService(t *testing.T) (*ChatService, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	cfg := config.GetDefaultConfig().Chat
	cfg.DefaultAdminID = testAdmin.ID
	return NewChatService(newTestDB(t), n, cfg, quietLogger()), n
}

func TestChatService_OpenRoomIsLazyAndUnique(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	first, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)
	again, err := svc.OpenRoom(ctx, testAdmin2, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, testAdmin.ID, again.AdminID)

	_, err = svc.OpenRoom(ctx, testPartner, "p1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.OpenRoom(ctx, testAdmin, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChatService_SendPersistsAndPushesToBothSides(t *testing.T) {
	svc, n := newTestChatService(t)
	ctx := context.Background()
	room, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)

	msg, created, err := svc.SendMessage(ctx, testPartner, room.ID, protocol.SendMessageRequest{Payload: "hello"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, protocol.ContentText, msg.ContentType)
	assert.Equal(t, protocol.RolePartner, msg.SenderRole)

	got := n.recipients(protocol.TypeChatMessage)
	assert.Equal(t, map[string]int{"admin:admin-1": 1, "partner:p1": 1}, got)

	var decoded protocol.ChatMessage
	require.NoError(t, n.byType(protocol.TypeChatMessage)[0].env.Decode(&decoded))
	assert.Equal(t, msg.ID, decoded.ID)
}

func TestChatService_EmptyAndForbiddenSends(t *testing.T) {
	svc, n := newTestChatService(t)
	ctx := context.Background()
	room, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)

	_, _, err = svc.SendMessage(ctx, testAdmin, room.ID, protocol.SendMessageRequest{Payload: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.SendMessage(ctx, otherPartner, room.ID, protocol.SendMessageRequest{Payload: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, _, err = svc.SendMessage(ctx, testAdmin, 999, protocol.SendMessageRequest{Payload: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, n.byType(protocol.TypeChatMessage))
}

func TestChatService_ClientMsgIDDeduplicates(t *testing.T) {
	svc, n := newTestChatService(t)
	ctx := context.Background()
	room, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)

	req := protocol.SendMessageRequest{Payload: "once", ClientMsgID: "01HZX"}
	first, created, err := svc.SendMessage(ctx, testAdmin, room.ID, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.SendMessage(ctx, testAdmin, room.ID, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	msgs, err := svc.ListMessages(ctx, testAdmin, room.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, n.byType(protocol.TypeChatMessage), 2, "one push per participant, none for the duplicate")

	// 同一 client_msg_id 被另一方使用视为冲突
	_, _, err = svc.SendMessage(ctx, testPartner, room.ID, req)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestChatService_ConcurrentSendsKeepIDAndTimeOrder(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()
	room, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := testAdmin
			if i%2 == 0 {
				sender = testPartner
			}
			_, _, err := svc.SendMessage(ctx, sender, room.ID, protocol.SendMessageRequest{Payload: fmt.Sprintf("m%d", i)})
			if err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := svc.ListMessages(ctx, testPartner, room.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not increasing at %d", i)
		}
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("createdAt order differs from id order at %d", i)
		}
	}

	after, err := svc.ListMessages(ctx, testAdmin, room.ID, msgs[14].ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, 5)
}

func TestChatService_ListRoomsWithPreviewAndArchive(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	r1, err := svc.OpenRoom(ctx, testAdmin, "p1")
	require.NoError(t, err)
	r2, err := svc.OpenRoom(ctx, testAdmin, "p2")
	require.NoError(t, err)
	_, _, err = svc.SendMessage(ctx, testPartner, r1.ID, protocol.SendMessageRequest{Payload: "first"})
	require.NoError(t, err)
	_, _, err = svc.SendMessage(ctx, testAdmin, r1.ID, protocol.SendMessageRequest{Payload: "latest"})
	require.NoError(t, err)

	rooms, err := svc.ListRooms(ctx, testAdmin, false)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	byID := map[uint64]protocol.Room{}
	for _, r := range rooms {
		byID[r.ID] = r
	}
	require.NotNil(t, byID[r1.ID].LastMessage)
	assert.Equal(t, "latest", byID[r1.ID].LastMessage.Payload)
	assert.Nil(t, byID[r2.ID].LastMessage)

	_, err = svc.ListRooms(ctx, testPartner, false)
	assert.ErrorIs(t, err, ErrForbidden)

	archived, err := svc.ArchiveRoom(ctx, testAdmin, r2.ID)
	require.NoError(t, err)
	assert.NotNil(t, archived.ArchivedAt)
	rooms, err = svc.ListRooms(ctx, testAdmin, false)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	// 新消息恢复已归档房间
	_, _, err = svc.SendMessage(ctx, otherPartner, r2.ID, protocol.SendMessageRequest{Payload: "back"})
	require.NoError(t, err)
	rooms, err = svc.ListRooms(ctx, testAdmin, false)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
}

func TestChatService_MyRoomCreatesWithDefaultAdmin(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	room, msgs, err := svc.MyRoom(ctx, testPartner)
	require.NoError(t, err)
	assert.Equal(t, testAdmin.ID, room.AdminID)
	assert.Empty(t, msgs)

	_, _, err = svc.SendMessage(ctx, testPartner, room.ID, protocol.SendMessageRequest{Payload: "hi"})
	require.NoError(t, err)
	_, msgs, err = svc.MyRoom(ctx, testPartner)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, _, err = svc.MyRoom(ctx, testAdmin)
	assert.True(t, errors.Is(err, ErrForbidden))
}
