// Package transport carries chat sessions over WebSocket for clients
// that hold one connection instead of issuing SSE requests per turn.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/avereen/deskbrain/internal/approval"
	"github.com/avereen/deskbrain/internal/identity"
	"github.com/avereen/deskbrain/internal/session"
)

// wsMessage is one inbound client frame.
type wsMessage struct {
	Type       string `json:"type"` // "message", "approval", "terminate"
	Content    string `json:"content,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Decision   string `json:"decision,omitempty"`
}

// WebSocketHandler streams one session's turns over a WebSocket.
type WebSocketHandler struct {
	registry      *session.Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a WebSocket chat handler.
func NewWebSocketHandler(registry *session.Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("WebSocket chat connection", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil || sess.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, sessionID, userID)
	slog.Info("WebSocket chat ended", "user_id", userID, "session_id", sessionID)
}

// readLoop dispatches inbound frames. Turns stream inline, so a second
// message arriving mid-turn waits in the socket buffer rather than
// racing the busy check.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeError(ctx, ws, "invalid frame")
			continue
		}

		switch msg.Type {
		case "message":
			h.handleMessage(ctx, ws, sessionID, msg.Content)
		case "approval":
			h.handleApproval(ctx, ws, userID, msg)
		case "terminate":
			if err := h.registry.Terminate(ctx, sessionID); err != nil {
				h.writeError(ctx, ws, "failed to terminate session")
				continue
			}
			return
		default:
			h.writeError(ctx, ws, "unknown frame type")
		}
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, ws *websocket.Conn, sessionID, content string) {
	if content == "" {
		h.writeError(ctx, ws, "message is required")
		return
	}

	events, err := h.registry.Send(ctx, sessionID, content)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionBusy):
			h.writeError(ctx, ws, "session is processing another message")
		case errors.Is(err, session.ErrSessionNotFound):
			h.writeError(ctx, ws, "session not found")
		default:
			slog.Error("websocket send failed", "session_id", sessionID, "error", err)
			h.writeError(ctx, ws, "failed to send message")
		}
		return
	}

	for ev := range events {
		if err := h.writeJSON(ctx, ws, ev); err != nil {
			slog.Debug("websocket write failed mid-turn",
				"session_id", sessionID, "error", err)
			// Keep draining; the registry still persists the turn.
			for range events {
			}
			return
		}
	}
}

func (h *WebSocketHandler) handleApproval(ctx context.Context, ws *websocket.Conn, userID string, msg wsMessage) {
	var approve bool
	switch msg.Decision {
	case "approve":
		approve = true
	case "deny":
		approve = false
	default:
		h.writeError(ctx, ws, `decision must be "approve" or "deny"`)
		return
	}

	resolved, err := h.registry.ResolveApproval(ctx, msg.ApprovalID, approve, userID)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		h.writeError(ctx, ws, "approval not found")
	case errors.Is(err, approval.ErrAlreadyResolved):
		h.writeError(ctx, ws, "approval already resolved")
	case err != nil:
		slog.Error("websocket approval failed", "approval_id", msg.ApprovalID, "error", err)
		h.writeError(ctx, ws, "failed to resolve approval")
	default:
		_ = h.writeJSON(ctx, ws, map[string]string{
			"type":        "approval-resolved",
			"approval_id": resolved.ID,
			"status":      string(resolved.Status),
		})
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, message string) {
	if err := h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": message}); err != nil {
		slog.Debug("failed to write websocket error", "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
