package domain

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the terminal or pending state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Resolved reports whether the approval has reached a terminal state.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalPending
}

// PendingApproval is a sensitive action held at the gateway until a
// human decides. Exactly one transition out of pending is allowed.
type PendingApproval struct {
	ID            string
	SessionID     string
	ActionID      string
	ActionName    string
	Params        json.RawMessage
	Justification string
	Status        ApprovalStatus
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
}

// ExpiredBy reports whether a still-pending approval has outlived ttl.
func (a *PendingApproval) ExpiredBy(ttl time.Duration, now time.Time) bool {
	return a.Status == ApprovalPending && now.Sub(a.CreatedAt) >= ttl
}
