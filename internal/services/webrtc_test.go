package services

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerhub/pkg/protocol"
)

func newOfferer(t *testing.T) (*webrtc.PeerConnection, protocol.ViewerOffer) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.CreateDataChannel("viewer", nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
	}
	local := pc.LocalDescription()
	return pc, protocol.ViewerOffer{Type: local.Type.String(), SDP: local.SDP}
}

func TestViewerService_OpenAnswersOfferAndClose(t *testing.T) {
	if !canBindLocal() {
		t.Skip("local networking not permitted")
	}
	n := &recordingNotifier{}
	viewer := NewViewerService("", n, quietLogger())
	session := protocol.RemoteSession{ID: "s1", AdminID: testAdmin.ID, PartnerID: testPartner.ID, Status: protocol.SessionActive}

	offerer, offer := newOfferer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := viewer.Open(ctx, session, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.NotEmpty(t, answer.SDP)
	require.NoError(t, offerer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))
	assert.Equal(t, 1, viewer.GetConnectionCount())

	// a second offer replaces the first channel
	_, offer2 := newOfferer(t)
	_, err = viewer.Open(ctx, session, offer2)
	require.NoError(t, err)
	assert.Equal(t, 1, viewer.GetConnectionCount())

	viewer.Close(session.ID)
	assert.Equal(t, 0, viewer.GetConnectionCount())
	_, ok := viewer.State(session.ID)
	assert.False(t, ok)

	closed := 0
	for _, p := range n.byType(protocol.TypeSystem) {
		var notice protocol.SystemNotice
		require.NoError(t, p.env.Decode(&notice))
		if notice.Event == protocol.SystemViewerClosed {
			closed++
		}
	}
	assert.Equal(t, 2, closed, "admin and partner are both told")

	// closing again is a no-op
	viewer.Close(session.ID)
}

func TestViewerService_RejectsNonOffer(t *testing.T) {
	viewer := NewViewerService("", nil, quietLogger())
	_, err := viewer.Open(context.Background(), protocol.RemoteSession{ID: "s1"}, protocol.ViewerOffer{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, viewer.GetConnectionCount())
}
