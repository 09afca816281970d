package protocol

import (
	"errors"
	"time"
)

// SessionStatus 远程协助会话状态
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Open reports whether the status still blocks a new request for the same partner.
func (s SessionStatus) Open() bool {
	return s == SessionPending || s == SessionActive
}

func (s SessionStatus) Valid() bool {
	return s.Open() || s == SessionEnded
}

// CanTransition 状态机：pending→active, pending→ended, active→ended；ended 为终态
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionPending:
		return to == SessionActive || to == SessionEnded
	case SessionActive:
		return to == SessionEnded
	default:
		return false
	}
}

// End reasons recorded on ended sessions.
const (
	EndReasonDenied  = "denied"
	EndReasonEnded   = "ended"
	EndReasonTimeout = "timeout"
	EndReasonExpired = "expired"
)

// ErrViewOnlyConflict is returned when viewOnly is combined with edit or execute rights.
var ErrViewOnlyConflict = errors.New("view_only excludes can_edit and can_execute_actions")

// Permissions 远程协助权限
type Permissions struct {
	ViewOnly          bool `json:"view_only"`
	CanEdit           bool `json:"can_edit"`
	CanExecuteActions bool `json:"can_execute_actions"`
}

// Validate rejects viewOnly combined with any other right. It never corrects the input.
func (p Permissions) Validate() error {
	if p.ViewOnly && (p.CanEdit || p.CanExecuteActions) {
		return ErrViewOnlyConflict
	}
	return nil
}

// RemoteSession 一次受监督访问授权
type RemoteSession struct {
	ID          string        `json:"id"`
	PartnerID   string        `json:"partner_id"`
	AdminID     string        `json:"admin_id"`
	Status      SessionStatus `json:"status"`
	Permissions Permissions   `json:"permissions"`
	RequestedAt time.Time     `json:"requested_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	EndReason   string        `json:"end_reason,omitempty"`
}

// AccessRequest 管理员发起的访问请求
type AccessRequest struct {
	PartnerID   string      `json:"partner_id" binding:"required"`
	Permissions Permissions `json:"permissions"`
}

// RespondRequest 合作伙伴的批准/拒绝
type RespondRequest struct {
	Accept bool `json:"accept"`
}

// ViewerOffer 查看通道的 SDP 交换
type ViewerOffer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
