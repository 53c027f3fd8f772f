// Package session owns the registry of live chat sessions: opening
// engines, running turns, brokering approvals and reaping idle
// sessions.
package session

import (
	"encoding/json"
	"errors"
)

// Registry operation errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session is processing another message")
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// EventType discriminates turn events delivered to the transport.
type EventType string

const (
	EventTextDelta        EventType = "text-delta"
	EventActionRequested  EventType = "action-requested"
	EventApprovalRequired EventType = "approval-required"
	EventActionResult     EventType = "action-result"
	EventTurnComplete     EventType = "turn-complete"
	EventError            EventType = "error"
)

// Event is one streamed turn update, shaped for direct JSON encoding
// onto SSE or WebSocket transports.
type Event struct {
	Type          EventType       `json:"type"`
	Content       string          `json:"content,omitempty"`
	Filtered      bool            `json:"filtered,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	ActionID      string          `json:"action_id,omitempty"`
	ActionName    string          `json:"action,omitempty"`
	Justification string          `json:"justification,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	Error         string          `json:"error,omitempty"`
}
