package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/identity"
	"github.com/avereen/deskbrain/internal/session"
)

// openSessionRequest is the POST /api/chat/sessions body.
type openSessionRequest struct {
	TicketRef     string `json:"ticket_ref,omitempty"`
	ClientRef     string `json:"client_ref,omitempty"`
	FilterProfile string `json:"filter_profile,omitempty"`
}

// sendMessageRequest is the POST .../messages body.
type sendMessageRequest struct {
	Message string `json:"message"`
}

// sessionView is the JSON shape of a session.
type sessionView struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	TicketRef      string `json:"ticket_ref,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
	FilterProfile  string `json:"filter_profile"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	EndedAt        int64  `json:"ended_at,omitempty"`
}

func viewSession(s *domain.Session) sessionView {
	v := sessionView{
		ID:             s.ID,
		Status:         string(s.Status),
		TicketRef:      s.TicketRef,
		ClientRef:      s.ClientRef,
		FilterProfile:  s.FilterProfile,
		CreatedAt:      s.CreatedAt.Unix(),
		LastActivityAt: s.LastActivityAt.Unix(),
	}
	if s.EndedAt != nil {
		v.EndedAt = s.EndedAt.Unix()
	}
	return v
}

// HandleOpenSession creates a chat session and starts its engine.
func (h *Handler) HandleOpenSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req openSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientRef := req.ClientRef
	if h.lookup != nil && req.TicketRef != "" {
		if ticket, err := h.lookup.Ticket(r.Context(), req.TicketRef); err != nil {
			slog.Warn("ticket lookup failed, opening session unenriched",
				"ticket_ref", req.TicketRef, "error", err)
		} else if ticket != nil && clientRef == "" {
			clientRef = ticket.ClientRef
		}
	}

	sess, err := h.registry.Open(r.Context(), session.OpenRequest{
		UserID:        userID,
		Username:      identity.UsernameFromContext(r.Context()),
		TicketRef:     req.TicketRef,
		ClientRef:     clientRef,
		FilterProfile: req.FilterProfile,
	})
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			Error(w, http.StatusServiceUnavailable, "session capacity exceeded")
			return
		}
		slog.Error("failed to open session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	JSON(w, http.StatusCreated, viewSession(sess))
}

// HandleGetSession returns one session, live or persisted.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, viewSession(sess))
}

// HandleListSessions returns the operator's sessions, newest first.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewSession(s))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// HandleSendMessage submits an operator message and streams the turn
// back as server-sent events.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	events, err := h.registry.Send(r.Context(), sess.ID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			Error(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrSessionBusy):
			Error(w, http.StatusConflict, "session is processing another message")
		default:
			slog.Error("failed to send message", "session_id", sess.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}

	streamEvents(w, events)
}

// HandleTerminateSession closes a session and stops its engine.
func (h *Handler) HandleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	if err := h.registry.Terminate(r.Context(), sess.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to terminate session", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to terminate session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory returns a session's persisted messages in order.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), sess.ID)
	if err != nil {
		slog.Error("failed to load history", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	type messageView struct {
		Seq           int                   `json:"seq"`
		Role          string                `json:"role"`
		Content       string                `json:"content"`
		ActionCalls   []domain.ActionCall   `json:"action_calls,omitempty"`
		ActionResults []domain.ActionResult `json:"action_results,omitempty"`
		WasFiltered   bool                  `json:"was_filtered,omitempty"`
		CreatedAt     int64                 `json:"created_at"`
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			Seq:           m.Seq,
			Role:          m.Role,
			Content:       m.Content,
			ActionCalls:   m.ActionCalls,
			ActionResults: m.ActionResults,
			WasFiltered:   m.WasFiltered,
			CreatedAt:     m.CreatedAt.Unix(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": views})
}

// ownedSession loads the session from the path and enforces that the
// caller owns it. Unknown and foreign sessions are indistinguishable.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := identity.UserIDFromContext(r.Context())

	sess, err := h.registry.Get(sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		sess, err = h.repo.GetSession(r.Context(), sessionID)
		if err != nil {
			slog.Error("failed to load session", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load session")
			return nil, false
		}
		if sess == nil {
			Error(w, http.StatusNotFound, "session not found")
			return nil, false
		}
	} else if err != nil {
		slog.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}

	if sess.UserID != userID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// streamEvents writes the turn event channel as SSE until it closes.
func streamEvents(w http.ResponseWriter, events <-chan session.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal turn event", "error", err)
			continue
		}
		if err := writeSSE(w, string(ev.Type), string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err)
			// Keep draining; the registry still persists the turn.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
