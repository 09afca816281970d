package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"partnerhub/pkg/protocol"
)

// fakeTransport drives coordinators without a socket.
type fakeTransport struct {
	bus *Bus

	mu        sync.Mutex
	state     ConnectionState
	listeners map[int]func(StateChange)
	next      int
}

func newFakeTransport(state ConnectionState) *fakeTransport {
	return &fakeTransport{
		bus:       NewBus(quietLogger()),
		state:     state,
		listeners: make(map[int]func(StateChange)),
	}
}

func (f *fakeTransport) Subscribe(msgType string, h Handler) func() { return f.bus.Subscribe(msgType, h) }

func (f *fakeTransport) OnStateChange(fn func(StateChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s ConnectionState) {
	f.mu.Lock()
	f.state = s
	listeners := make([]func(StateChange), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(StateChange{State: s, At: time.Now()})
	}
}

func (f *fakeTransport) deliver(msgType string, payload interface{}) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	f.bus.Dispatch(env)
}

// fakeChatAPI is an in-memory authoritative store.
type fakeChatAPI struct {
	mu       sync.Mutex
	rooms    []protocol.Room
	messages map[uint64][]protocol.ChatMessage
	nextID   uint64
	sendErr  error
	sends    int
	lists    int
}

func newFakeChatAPI() *fakeChatAPI {
	return &fakeChatAPI{messages: make(map[uint64][]protocol.ChatMessage)}
}

func (f *fakeChatAPI) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Room(nil), f.rooms...), nil
}

func (f *fakeChatAPI) ListMessages(ctx context.Context, roomID uint64) ([]protocol.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	out := append([]protocol.ChatMessage(nil), f.messages[roomID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeChatAPI) SendMessage(ctx context.Context, roomID uint64, req protocol.SendMessageRequest) (*protocol.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	for _, m := range f.messages[roomID] {
		if req.ClientMsgID != "" && m.ClientMsgID == req.ClientMsgID {
			cp := m
			return &cp, nil
		}
	}
	msg := f.storeLocked(roomID, "sender", req.Payload)
	msg.ContentType = req.ContentType
	msg.ClientMsgID = req.ClientMsgID
	f.messages[roomID][len(f.messages[roomID])-1] = msg
	return &msg, nil
}

func (f *fakeChatAPI) store(roomID uint64, sender, payload string) protocol.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(roomID, sender, payload)
}

func (f *fakeChatAPI) storeLocked(roomID uint64, sender, payload string) protocol.ChatMessage {
	f.nextID++
	msg := protocol.ChatMessage{
		ID:          f.nextID,
		RoomID:      roomID,
		SenderID:    sender,
		ContentType: protocol.ContentText,
		Payload:     payload,
		CreatedAt:   time.Unix(int64(f.nextID), 0),
	}
	f.messages[roomID] = append(f.messages[roomID], msg)
	return msg
}

func (f *fakeChatAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// fakeRemoteAPI mirrors the server-side state machine.
type fakeRemoteAPI struct {
	mu       sync.Mutex
	sessions map[string]*protocol.RemoteSession
	next     int
	calls    map[string]int
}

func newFakeRemoteAPI() *fakeRemoteAPI {
	return &fakeRemoteAPI{sessions: make(map[string]*protocol.RemoteSession), calls: make(map[string]int)}
}

func (f *fakeRemoteAPI) RequestAccess(ctx context.Context, req protocol.AccessRequest) (*protocol.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["request"]++
	for _, s := range f.sessions {
		if s.PartnerID == req.PartnerID && s.Status.Open() {
			return nil, &protocol.APIError{StatusCode: 409, Kind: "conflict", Message: "session already open"}
		}
	}
	f.next++
	s := &protocol.RemoteSession{
		ID:          fmt.Sprintf("s%d", f.next),
		PartnerID:   req.PartnerID,
		AdminID:     "admin-1",
		Status:      protocol.SessionPending,
		Permissions: req.Permissions,
		RequestedAt: time.Now(),
	}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeRemoteAPI) RespondAccess(ctx context.Context, sessionID string, accept bool) (*protocol.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["respond"]++
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, &protocol.APIError{StatusCode: 404, Kind: "not_found"}
	}
	if s.Status == protocol.SessionPending {
		now := time.Now()
		if accept {
			s.Status = protocol.SessionActive
			s.StartedAt = &now
		} else {
			s.Status = protocol.SessionEnded
			s.EndedAt = &now
			s.EndReason = protocol.EndReasonDenied
		}
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRemoteAPI) EndSession(ctx context.Context, sessionID string) (*protocol.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["end"]++
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, &protocol.APIError{StatusCode: 404, Kind: "not_found"}
	}
	if s.Status == protocol.SessionActive {
		now := time.Now()
		s.Status = protocol.SessionEnded
		s.EndedAt = &now
		s.EndReason = protocol.EndReasonEnded
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRemoteAPI) ListSessions(ctx context.Context) ([]protocol.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.RemoteSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeRemoteAPI) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}
