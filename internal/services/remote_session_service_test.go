package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partnerhub/internal/config"
	"partnerhub/internal/models"
	"partnerhub/pkg/protocol"
)

func newTestRemoteService(t *testing.T, cfg config.RemoteAccessConfig) (*RemoteSessionService, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewRemoteSessionService(newTestDB(t), n, nil, cfg, quietLogger()), n
}

func TestRemoteSession_RequestApproveEnd(t *testing.T) {
	svc, n := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{
		PartnerID:   "p1",
		Permissions: protocol.Permissions{CanEdit: true},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionPending, s.Status)
	assert.NotEmpty(t, s.ID)

	active, err := svc.Respond(ctx, testPartner, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, active.Status)
	require.NotNil(t, active.StartedAt)

	ended, err := svc.EndSession(ctx, testPartner, s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionEnded, ended.Status)
	assert.Equal(t, protocol.EndReasonEnded, ended.EndReason)
	require.NotNil(t, ended.EndedAt)

	again, err := svc.EndSession(ctx, testAdmin, s.ID)
	require.NoError(t, err)
	assert.True(t, ended.EndedAt.Equal(*again.EndedAt), "endedAt is stamped once")

	// request, active, ended: each pushed to both participants
	assert.Equal(t, map[string]int{"admin:admin-1": 3, "partner:p1": 3}, n.recipients(protocol.TypeSessionStatus))
}

func TestRemoteSession_DenyAndRespondIdempotent(t *testing.T) {
	svc, n := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
	require.NoError(t, err)

	denied, err := svc.Respond(ctx, testPartner, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionEnded, denied.Status)
	assert.Equal(t, protocol.EndReasonDenied, denied.EndReason)

	again, err := svc.Respond(ctx, testPartner, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionEnded, again.Status)
	assert.Len(t, n.byType(protocol.TypeSessionStatus), 4)

	// a denied session frees the partner for a new request
	_, err = svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
	require.NoError(t, err)
}

func TestRemoteSession_SingleOpenSessionPerPartner(t *testing.T) {
	svc, _ := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	first, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
	require.NoError(t, err)

	_, err = svc.RequestAccess(ctx, testAdmin2, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{CanEdit: true}})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := svc.GetSession(ctx, testAdmin, first.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionPending, got.Status)
	assert.Equal(t, protocol.Permissions{ViewOnly: true}, got.Permissions)

	// another partner is unaffected
	_, err = svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p2", Permissions: protocol.Permissions{}})
	require.NoError(t, err)
}

func TestRemoteSession_ConcurrentRequestsYieldOneSession(t *testing.T) {
	svc, _ := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	var open int64
	require.NoError(t, svc.db.Model(&models.RemoteSession{}).Where("partner_id = ? AND status IN ?", "p1", openStatuses()).Count(&open).Error)
	assert.Equal(t, int64(1), open)
}

func TestRemoteSession_Validation(t *testing.T) {
	svc, _ := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	_, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true, CanExecuteActions: true}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.RequestAccess(ctx, testPartner, protocol.AccessRequest{PartnerID: "p1"})
	assert.ErrorIs(t, err, ErrForbidden)

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1"})
	require.NoError(t, err)

	_, err = svc.Respond(ctx, otherPartner, s.ID, true)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Respond(ctx, testPartner, "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.EndSession(ctx, testAdmin, s.ID)
	assert.ErrorIs(t, err, ErrConflict, "pending sessions are answered, not ended")
	_, err = svc.GetSession(ctx, testAdmin2, s.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRemoteSession_ListScopedByRole(t *testing.T) {
	svc, _ := newTestRemoteService(t, config.RemoteAccessConfig{})
	ctx := context.Background()

	_, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1"})
	require.NoError(t, err)
	_, err = svc.RequestAccess(ctx, testAdmin2, protocol.AccessRequest{PartnerID: "p2"})
	require.NoError(t, err)

	mine, err := svc.ListSessions(ctx, testAdmin, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "p1", mine[0].PartnerID)

	theirs, err := svc.ListSessions(ctx, otherPartner, "pending")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "admin-2", theirs[0].AdminID)
}

func TestRemoteSession_ExpireStale(t *testing.T) {
	svc, n := newTestRemoteService(t, config.RemoteAccessConfig{MaxDuration: time.Hour, PendingTTL: 10 * time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	svc.now = func() time.Time { return clock }

	pending, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1"})
	require.NoError(t, err)
	active, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p2"})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, otherPartner, active.ID, true)
	require.NoError(t, err)

	clock = base.Add(5 * time.Minute)
	ended, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ended)

	clock = base.Add(11 * time.Minute)
	ended, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	got, _ := svc.GetSession(ctx, testAdmin, pending.ID)
	assert.Equal(t, protocol.EndReasonExpired, got.EndReason)

	clock = base.Add(61 * time.Minute)
	ended, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
	got, _ = svc.GetSession(ctx, testAdmin, active.ID)
	assert.Equal(t, protocol.SessionEnded, got.Status)
	assert.Equal(t, protocol.EndReasonTimeout, got.EndReason)

	assert.NotEmpty(t, n.byType(protocol.TypeSessionStatus))
}

func TestRemoteSession_PendingNeverExpiresByDefault(t *testing.T) {
	svc, _ := newTestRemoteService(t, config.GetDefaultConfig().RemoteAccess)
	ctx := context.Background()
	base := time.Now().UTC()
	clock := base
	svc.now = func() time.Time { return clock }

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1"})
	require.NoError(t, err)

	clock = base.Add(30 * 24 * time.Hour)
	ended, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ended)
	got, _ := svc.GetSession(ctx, testAdmin, s.ID)
	assert.Equal(t, protocol.SessionPending, got.Status)
}

func TestRemoteSession_OfferViewerRequiresActive(t *testing.T) {
	n := &recordingNotifier{}
	viewer := NewViewerService("", n, quietLogger())
	svc := NewRemoteSessionService(newTestDB(t), n, viewer, config.RemoteAccessConfig{}, quietLogger())
	ctx := context.Background()

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
	require.NoError(t, err)

	_, err = svc.OfferViewer(ctx, testAdmin, s.ID, protocol.ViewerOffer{Type: "offer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Respond(ctx, testPartner, s.ID, true)
	require.NoError(t, err)
	_, err = svc.OfferViewer(ctx, testAdmin2, s.ID, protocol.ViewerOffer{Type: "offer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.OfferViewer(ctx, testAdmin, s.ID, protocol.ViewerOffer{Type: "offer"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemoteSession_EndDuringViewerOpenClosesPeer(t *testing.T) {
	if !canBindLocal() {
		t.Skip("local networking not permitted")
	}
	n := &recordingNotifier{}
	viewer := NewViewerService("", n, quietLogger())
	svc := NewRemoteSessionService(newTestDB(t), n, viewer, config.RemoteAccessConfig{}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := svc.RequestAccess(ctx, testAdmin, protocol.AccessRequest{PartnerID: "p1", Permissions: protocol.Permissions{ViewOnly: true}})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, testPartner, s.ID, true)
	require.NoError(t, err)

	viewer.beforeRegister = func(sessionID string) {
		if _, err := svc.EndSession(ctx, testPartner, sessionID); err != nil {
			t.Errorf("end session: %v", err)
		}
	}
	_, offer := newOfferer(t)
	_, err = svc.OfferViewer(ctx, testAdmin, s.ID, offer)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 0, viewer.GetConnectionCount())
	_, ok := viewer.State(s.ID)
	assert.False(t, ok)

	got, err := svc.GetSession(ctx, testAdmin, s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionEnded, got.Status)
}
