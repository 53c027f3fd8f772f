package domain

import (
	"encoding/json"
	"time"
)

// Message roles. Operator messages come from the human; engine messages
// are the assistant's assembled turn output.
const (
	RoleOperator = "operator"
	RoleEngine   = "engine"
)

// ActionCall records one tool invocation the engine requested during a turn.
type ActionCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Params        json.RawMessage `json:"params,omitempty"`
	Justification string          `json:"justification,omitempty"`
}

// ActionResult records the outcome of an action call, keyed by the
// originating call's ID.
type ActionResult struct {
	ActionID string `json:"action_id"`
	Content  string `json:"content"`
	IsError  bool   `json:"is_error,omitempty"`
}

// Message is one persisted conversation entry. Seq orders messages
// within a session and is assigned by the store.
type Message struct {
	ID            int64
	SessionID     string
	Seq           int
	Role          string
	Content       string
	ActionCalls   []ActionCall
	ActionResults []ActionResult
	WasFiltered   bool
	FilterProfile string
	CreatedAt     time.Time
}
