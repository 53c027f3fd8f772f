package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avereen/deskbrain/internal/approval"
	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/identity"
)

// resolveApprovalRequest is the POST /api/chat/approvals/{id} body.
type resolveApprovalRequest struct {
	Decision string `json:"decision"` // "approve" or "deny"
}

// approvalView is the JSON shape of an approval.
type approvalView struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	ActionID      string `json:"action_id"`
	ActionName    string `json:"action"`
	Justification string `json:"justification,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	ResolvedAt    int64  `json:"resolved_at,omitempty"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
}

func viewApproval(a *domain.PendingApproval) approvalView {
	v := approvalView{
		ID:            a.ID,
		SessionID:     a.SessionID,
		ActionID:      a.ActionID,
		ActionName:    a.ActionName,
		Justification: a.Justification,
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt.Unix(),
		ResolvedBy:    a.ResolvedBy,
	}
	if a.ResolvedAt != nil {
		v.ResolvedAt = a.ResolvedAt.Unix()
	}
	return v
}

// HandleResolveApproval applies a human decision to a held action.
func (h *Handler) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")
	userID := identity.UserIDFromContext(r.Context())

	var req resolveApprovalRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "deny":
		approve = false
	default:
		Error(w, http.StatusBadRequest, `decision must be "approve" or "deny"`)
		return
	}

	resolved, err := h.registry.ResolveApproval(r.Context(), approvalID, approve, userID)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		Error(w, http.StatusNotFound, "approval not found")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		Error(w, http.StatusConflict, "approval already resolved")
		return
	case err != nil:
		slog.Error("failed to resolve approval", "approval_id", approvalID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve approval")
		return
	}

	JSON(w, http.StatusOK, viewApproval(resolved))
}

// HandleListApprovals returns a session's approvals, oldest first.
func (h *Handler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	approvals, err := h.repo.ListApprovals(r.Context(), sess.ID)
	if err != nil {
		slog.Error("failed to list approvals", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}

	views := make([]approvalView, 0, len(approvals))
	for _, a := range approvals {
		views = append(views, viewApproval(a))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"approvals": views})
}
