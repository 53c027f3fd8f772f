package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avereen/deskbrain/internal/audit"
	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/engine"
	"github.com/avereen/deskbrain/internal/filter"
)

// runTurn reads engine frames until the turn definitively completes,
// streaming filtered events to the transport channel and assembling
// the persisted engine message. Exactly one turn runs per session at a
// time; Send enforces that with the busy flag this loop clears.
func (r *Registry) runTurn(ls *liveSession, events chan<- Event) {
	defer close(events)

	ls.mu.Lock()
	model := *ls.model
	runner := ls.runner
	turnCtx := ls.ctx
	ls.mu.Unlock()
	if turnCtx == nil {
		turnCtx = context.Background()
	}

	profile := filter.Profile(model.FilterProfile)
	parser := engine.NewParser(r.cfg.Engine.MalformedLimit)
	deadline := time.Now().Add(r.cfg.Engine.TurnTimeout)

	var (
		content       strings.Builder
		actionCalls   []domain.ActionCall
		actionResults []domain.ActionResult
		wasFiltered   bool
		degradedNoted bool
	)

	fail := func(cause error) {
		emit(turnCtx, events, Event{Type: EventError, Error: cause.Error()})
		r.failSession(ls, cause)
	}

	for {
		if turnCtx.Err() != nil {
			// Session terminated mid-turn; the transport channel just
			// closes without a completion event.
			return
		}
		if time.Now().After(deadline) {
			if len(r.gateway.PendingForSession(model.ID)) > 0 {
				// The turn clock does not run while a human decision
				// is outstanding; the expiry worker bounds that wait.
				deadline = time.Now().Add(r.cfg.Engine.TurnTimeout)
			} else {
				fail(fmt.Errorf("turn exceeded %s", r.cfg.Engine.TurnTimeout))
				return
			}
		}

		line, err := runner.ReadLine()
		if err != nil {
			if turnCtx.Err() != nil {
				return
			}
			fail(fmt.Errorf("read engine stream: %w", err))
			return
		}

		ev, err := parser.Parse(line)
		if err != nil {
			fail(err)
			return
		}
		if ev == nil {
			continue
		}

		switch ev := ev.(type) {
		case engine.TextDeltaEvent:
			res := r.filter.Apply(turnCtx, ev.Text, profile)
			if res.Modified {
				wasFiltered = true
			}
			if res.Degraded && !degradedNoted {
				degradedNoted = true
				r.audit.Log(audit.Event{
					SessionID: model.ID,
					Kind:      audit.KindFilterDegraded,
					Degraded:  true,
				})
			}
			content.WriteString(res.Text)
			emit(turnCtx, events, Event{
				Type:     EventTextDelta,
				Content:  res.Text,
				Filtered: res.Modified,
			})

		case engine.ActionRequestedEvent:
			actionCalls = append(actionCalls, domain.ActionCall{
				ID:            ev.ID,
				Name:          ev.Name,
				Params:        ev.Params,
				Justification: ev.Justification,
			})
			r.handleActionRequest(turnCtx, ls, &model, ev, events)

		case engine.ActionResultEvent:
			res := r.filter.Apply(turnCtx, ev.Content, profile)
			if res.Modified {
				wasFiltered = true
			}
			actionResults = append(actionResults, domain.ActionResult{
				ActionID: ev.ActionID,
				Content:  res.Text,
				IsError:  ev.IsError,
			})
			r.audit.Log(audit.Event{
				SessionID: model.ID,
				Kind:      audit.KindActionResult,
				ActionID:  ev.ActionID,
				Content:   res.Text,
				Filtered:  res.Modified,
			})
			r.settleAwaiting(ls)
			// The engine resumed after the pause; give the rest of the
			// turn a fresh budget.
			deadline = time.Now().Add(r.cfg.Engine.TurnTimeout)
			emit(turnCtx, events, Event{
				Type:     EventActionResult,
				ActionID: ev.ActionID,
				Content:  res.Text,
				Filtered: res.Modified,
				IsError:  ev.IsError,
			})

		case engine.TurnMarkerEvent:
			// Stop reasons steer the parser's completion handling;
			// nothing to surface.

		case engine.TurnCompleteEvent:
			r.finishTurn(turnCtx, ls, &model, turnResult{
				content:       content.String(),
				actionCalls:   actionCalls,
				actionResults: actionResults,
				wasFiltered:   wasFiltered,
				isError:       ev.IsError,
				errText:       ev.ErrText,
			}, events)
			return
		}
	}
}

type turnResult struct {
	content       string
	actionCalls   []domain.ActionCall
	actionResults []domain.ActionResult
	wasFiltered   bool
	isError       bool
	errText       string
}

// handleActionRequest routes a requested action through the approval
// gateway when its name is on the sensitive list.
func (r *Registry) handleActionRequest(ctx context.Context, ls *liveSession, model *domain.Session, ev engine.ActionRequestedEvent, events chan<- Event) {
	if !r.gateway.Sensitive(ev.Name) {
		r.audit.Log(audit.Event{
			SessionID:  model.ID,
			Kind:       audit.KindActionRequested,
			ActionID:   ev.ID,
			ActionName: ev.Name,
			Detail:     ev.Justification,
		})
		emit(ctx, events, Event{
			Type:          EventActionRequested,
			ActionID:      ev.ID,
			ActionName:    ev.Name,
			Params:        ev.Params,
			Justification: ev.Justification,
		})
		return
	}

	ls.mu.Lock()
	runner := ls.runner
	ls.mu.Unlock()

	app, err := r.gateway.Intercept(ctx, model, ev, runner.WriteLine)
	if err != nil {
		slog.Error("failed to register approval",
			"session_id", model.ID, "action", ev.Name, "error", err)
		emit(ctx, events, Event{Type: EventError, Error: "failed to register approval"})
		return
	}

	ls.mu.Lock()
	ls.model.Status = domain.SessionAwaitingApproval
	ls.mu.Unlock()
	r.persistStatus(model.ID, domain.SessionAwaitingApproval)

	emit(ctx, events, Event{
		Type:          EventApprovalRequired,
		ApprovalID:    app.ID,
		ActionID:      ev.ID,
		ActionName:    ev.Name,
		Params:        ev.Params,
		Justification: ev.Justification,
	})
}

// settleAwaiting returns the session to active once no approvals
// remain pending.
func (r *Registry) settleAwaiting(ls *liveSession) {
	ls.mu.Lock()
	sessionID := ls.model.ID
	awaiting := ls.model.Status == domain.SessionAwaitingApproval
	ls.mu.Unlock()

	if !awaiting || len(r.gateway.PendingForSession(sessionID)) > 0 {
		return
	}

	ls.mu.Lock()
	if ls.model.Status == domain.SessionAwaitingApproval {
		ls.model.Status = domain.SessionActive
	}
	ls.mu.Unlock()
	r.persistStatus(sessionID, domain.SessionActive)
}

// finishTurn persists the assembled engine message and releases the
// session for the next send.
func (r *Registry) finishTurn(ctx context.Context, ls *liveSession, model *domain.Session, result turnResult, events chan<- Event) {
	now := time.Now()
	msg := &domain.Message{
		SessionID:     model.ID,
		Role:          domain.RoleEngine,
		Content:       result.content,
		ActionCalls:   result.actionCalls,
		ActionResults: result.actionResults,
		WasFiltered:   result.wasFiltered,
		FilterProfile: model.FilterProfile,
		CreatedAt:     now,
	}
	if err := r.repo.AppendMessage(ctx, msg); err != nil {
		slog.Error("failed to persist engine message",
			"session_id", model.ID, "error", err)
	}
	if err := r.repo.TouchSession(ctx, model.ID, now); err != nil {
		slog.Warn("failed to touch session", "session_id", model.ID, "error", err)
	}

	r.audit.Log(audit.Event{
		SessionID: model.ID,
		Kind:      audit.KindEngineMessage,
		Content:   result.content,
		Filtered:  result.wasFiltered,
	})

	ls.mu.Lock()
	if ls.model.Status == domain.SessionAwaitingApproval {
		ls.model.Status = domain.SessionActive
	}
	ls.model.LastActivityAt = now
	ls.busy = false
	ls.mu.Unlock()

	emit(ctx, events, Event{
		Type:    EventTurnComplete,
		IsError: result.isError,
		Error:   result.errText,
	})
}

// emit delivers in order, blocking until the transport accepts the
// event or the turn is cancelled. Only a cancelled turn loses events.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
		slog.Warn("turn cancelled before event was delivered", "type", ev.Type)
	}
}

// ResolveApproval is the registry-level entry point for approval
// decisions, so transports do not talk to the gateway directly.
func (r *Registry) ResolveApproval(ctx context.Context, approvalID string, approve bool, resolvedBy string) (*domain.PendingApproval, error) {
	return r.gateway.Resolve(ctx, approvalID, approve, resolvedBy)
}
