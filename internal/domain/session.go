// Package domain defines the core chat session model shared by the
// registry, the store, and the HTTP layer.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionStarting         SessionStatus = "starting"
	SessionActive           SessionStatus = "active"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionIdle             SessionStatus = "idle"
	SessionTerminated       SessionStatus = "terminated"
	SessionFailed           SessionStatus = "failed"
)

// Live reports whether the session still owns a running engine process.
func (s SessionStatus) Live() bool {
	switch s {
	case SessionTerminated, SessionFailed:
		return false
	}
	return true
}

// Session is one operator conversation backed by a single long-lived
// reasoning engine process. The process survives across turns; it is
// started when the session opens and stopped when the session ends.
type Session struct {
	ID             string
	UserID         string
	Username       string
	TicketRef      string
	ClientRef      string
	FilterProfile  string
	Status         SessionStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// IdleFor reports whether a live session has seen no operator
// activity for at least d. Ended sessions are never idle candidates.
func (s *Session) IdleFor(d time.Duration, now time.Time) bool {
	return s.Status.Live() && now.Sub(s.LastActivityAt) >= d
}
