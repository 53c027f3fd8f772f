// Package approval holds sensitive engine actions until a human
// decides. Every action the engine requests from the sensitive list is
// intercepted here; the engine does not see a result until the
// operator approves or denies, or the request expires.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avereen/deskbrain/internal/audit"
	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/engine"
	"github.com/avereen/deskbrain/internal/store"
)

// Errors returned by Resolve.
var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Injector writes a decision frame to the owning session's engine.
type Injector func(line []byte) error

type pendingRecord struct {
	approval *domain.PendingApproval
	inject   Injector
}

// Gateway tracks pending approvals in memory and mirrors every
// transition to the store. All state changes happen under one mutex,
// which is what makes a resolve/expire race end with exactly one
// winner.
type Gateway struct {
	repo    store.Repository
	audit   *audit.Logger
	timeout time.Duration

	sensitive map[string]struct{}

	mu        sync.Mutex
	pending   map[string]*pendingRecord
	bySession map[string][]*pendingRecord
}

// NewGateway builds a gateway holding actions from sensitiveActions
// for at most timeout before they expire.
func NewGateway(repo store.Repository, auditLog *audit.Logger, timeout time.Duration, sensitiveActions []string) *Gateway {
	sensitive := make(map[string]struct{}, len(sensitiveActions))
	for _, name := range sensitiveActions {
		sensitive[name] = struct{}{}
	}
	return &Gateway{
		repo:      repo,
		audit:     auditLog,
		timeout:   timeout,
		sensitive: sensitive,
		pending:   make(map[string]*pendingRecord),
		bySession: make(map[string][]*pendingRecord),
	}
}

// Sensitive reports whether an action name requires human approval.
func (g *Gateway) Sensitive(actionName string) bool {
	_, ok := g.sensitive[actionName]
	return ok
}

// Intercept registers a pending approval for a requested action. The
// injector is called later with the decision frame. Requests arriving
// while another is already pending for the same session simply queue
// behind it; nothing is overwritten.
func (g *Gateway) Intercept(ctx context.Context, session *domain.Session, ev engine.ActionRequestedEvent, inject Injector) (*domain.PendingApproval, error) {
	approval := &domain.PendingApproval{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		ActionID:      ev.ID,
		ActionName:    ev.Name,
		Params:        ev.Params,
		Justification: ev.Justification,
		Status:        domain.ApprovalPending,
		CreatedAt:     time.Now(),
	}

	if err := g.repo.CreateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	rec := &pendingRecord{approval: approval, inject: inject}
	g.mu.Lock()
	g.pending[approval.ID] = rec
	g.bySession[session.ID] = append(g.bySession[session.ID], rec)
	queued := len(g.bySession[session.ID])
	g.mu.Unlock()

	g.audit.Log(audit.Event{
		SessionID:  session.ID,
		UserID:     session.UserID,
		Kind:       audit.KindActionRequested,
		ActionID:   ev.ID,
		ActionName: ev.Name,
		ApprovalID: approval.ID,
		Detail:     ev.Justification,
	})

	slog.Info("action held for approval",
		"session_id", session.ID,
		"approval_id", approval.ID,
		"action", ev.Name,
		"queued", queued)
	return approval, nil
}

// Resolve applies a human decision. The first resolution wins; any
// later attempt, including a racing expiry, gets ErrAlreadyResolved.
func (g *Gateway) Resolve(ctx context.Context, approvalID string, approve bool, resolvedBy string) (*domain.PendingApproval, error) {
	g.mu.Lock()
	rec, ok := g.pending[approvalID]
	if !ok {
		g.mu.Unlock()
		return g.resolveAbsent(ctx, approvalID)
	}

	status := domain.ApprovalDenied
	if approve {
		status = domain.ApprovalApproved
	}
	g.settleLocked(rec, status, resolvedBy)
	g.persistLocked(ctx, rec.approval)
	g.mu.Unlock()

	if err := g.finishResolution(rec, approve, ""); err != nil {
		return rec.approval, err
	}
	return rec.approval, nil
}

// resolveAbsent distinguishes "never existed" from "already settled"
// for approvals no longer in the pending map.
func (g *Gateway) resolveAbsent(ctx context.Context, approvalID string) (*domain.PendingApproval, error) {
	approval, err := g.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("look up approval: %w", err)
	}
	if approval == nil {
		return nil, ErrNotFound
	}
	if approval.Status.Resolved() {
		return approval, ErrAlreadyResolved
	}
	// Pending in the store but unknown in memory means the broker
	// restarted; the owning engine is gone, so the request is dead.
	return approval, ErrNotFound
}

// settleLocked flips the in-memory record to a terminal state and
// removes it from both indexes. Caller holds g.mu.
func (g *Gateway) settleLocked(rec *pendingRecord, status domain.ApprovalStatus, resolvedBy string) {
	now := time.Now()
	rec.approval.Status = status
	rec.approval.ResolvedAt = &now
	rec.approval.ResolvedBy = resolvedBy

	delete(g.pending, rec.approval.ID)
	sessionID := rec.approval.SessionID
	queue := g.bySession[sessionID]
	for i, r := range queue {
		if r == rec {
			g.bySession[sessionID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(g.bySession[sessionID]) == 0 {
		delete(g.bySession, sessionID)
	}
}

// persistLocked mirrors a settled record to the store before the
// mutex is released. A caller losing a resolve race then always finds
// the terminal row, never a stale pending one. Caller holds g.mu.
func (g *Gateway) persistLocked(ctx context.Context, approval *domain.PendingApproval) {
	if err := g.repo.UpdateApprovalStatus(ctx, approval.ID, approval.Status, approval.ResolvedBy, *approval.ResolvedAt); err != nil {
		slog.Warn("failed to persist approval resolution",
			"approval_id", approval.ID, "error", err)
	}
}

// finishResolution injects the decision into the engine and records
// the audit trail. The record is already settled and persisted.
func (g *Gateway) finishResolution(rec *pendingRecord, approve bool, denyMessage string) error {
	approval := rec.approval

	g.audit.Log(audit.Event{
		SessionID:  approval.SessionID,
		Kind:       audit.KindApprovalDecision,
		ActionID:   approval.ActionID,
		ActionName: approval.ActionName,
		ApprovalID: approval.ID,
		Decision:   string(approval.Status),
	})

	line, err := engine.ApprovalResponseLine(approval.ActionID, approve, denyMessage)
	if err != nil {
		return err
	}
	if err := rec.inject(line); err != nil {
		return fmt.Errorf("inject approval decision: %w", err)
	}
	return nil
}

// CancelSession voids every pending approval of a terminating session.
// No decision frame is injected; the engine process is going away.
func (g *Gateway) CancelSession(ctx context.Context, sessionID string) {
	g.mu.Lock()
	queue := g.bySession[sessionID]
	records := make([]*pendingRecord, len(queue))
	copy(records, queue)
	for _, rec := range records {
		g.settleLocked(rec, domain.ApprovalCancelled, "")
		g.persistLocked(ctx, rec.approval)
	}
	g.mu.Unlock()

	for _, rec := range records {
		approval := rec.approval
		g.audit.Log(audit.Event{
			SessionID:  approval.SessionID,
			Kind:       audit.KindApprovalDecision,
			ActionID:   approval.ActionID,
			ActionName: approval.ActionName,
			ApprovalID: approval.ID,
			Decision:   string(domain.ApprovalCancelled),
		})
	}
}

// PendingForSession returns a snapshot of a session's pending
// approvals, oldest first.
func (g *Gateway) PendingForSession(sessionID string) []*domain.PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	queue := g.bySession[sessionID]
	out := make([]*domain.PendingApproval, 0, len(queue))
	for _, rec := range queue {
		copied := *rec.approval
		out = append(out, &copied)
	}
	return out
}

// StartExpiryWorker runs a background goroutine that periodically
// expires approvals older than the gateway timeout. An expired
// approval is injected into the engine as a denial so the turn can
// finish instead of hanging forever.
func (g *Gateway) StartExpiryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("approval expiry worker started",
			"interval", interval, "timeout", g.timeout)

		for {
			select {
			case <-ticker.C:
				g.expireStale(ctx, time.Now())
			case <-ctx.Done():
				slog.Info("approval expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (g *Gateway) expireStale(ctx context.Context, now time.Time) {
	g.mu.Lock()
	var stale []*pendingRecord
	for _, rec := range g.pending {
		if rec.approval.ExpiredBy(g.timeout, now) {
			stale = append(stale, rec)
		}
	}
	for _, rec := range stale {
		g.settleLocked(rec, domain.ApprovalExpired, "")
		g.persistLocked(ctx, rec.approval)
	}
	g.mu.Unlock()

	for _, rec := range stale {
		slog.Info("approval expired",
			"approval_id", rec.approval.ID,
			"session_id", rec.approval.SessionID,
			"action", rec.approval.ActionName)
		if err := g.finishResolution(rec, false, "Approval request timed out"); err != nil {
			slog.Warn("failed to inject expiry denial",
				"approval_id", rec.approval.ID, "error", err)
		}
	}
}
