package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avereen/deskbrain/internal/approval"
	"github.com/avereen/deskbrain/internal/audit"
	"github.com/avereen/deskbrain/internal/config"
	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/engine"
	"github.com/avereen/deskbrain/internal/filter"
	"github.com/avereen/deskbrain/internal/store"
)

// liveSession pairs the persisted model with the running engine. Its
// mutex guards the model and the busy flag; the registry lock only
// guards the map.
type liveSession struct {
	mu     sync.Mutex
	model  *domain.Session
	runner engine.Runner
	ctx    context.Context
	cancel context.CancelFunc
	busy   bool
}

// Registry tracks all live sessions and enforces the capacity limit.
type Registry struct {
	cfg       *config.Config
	repo      store.Repository
	gateway   *approval.Gateway
	filter    *filter.Filter
	audit     *audit.Logger
	newRunner engine.Factory

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewRegistry wires the registry's collaborators together.
func NewRegistry(cfg *config.Config, repo store.Repository, gateway *approval.Gateway, contentFilter *filter.Filter, auditLog *audit.Logger, factory engine.Factory) *Registry {
	return &Registry{
		cfg:       cfg,
		repo:      repo,
		gateway:   gateway,
		filter:    contentFilter,
		audit:     auditLog,
		newRunner: factory,
		sessions:  make(map[string]*liveSession),
	}
}

// OpenRequest describes a new session to create.
type OpenRequest struct {
	UserID        string
	Username      string
	TicketRef     string
	ClientRef     string
	FilterProfile string
}

// Open creates a session and starts its engine process. The slot is
// reserved before the engine launches so concurrent opens cannot
// overshoot the capacity limit.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*domain.Session, error) {
	profile, err := filter.ParseProfile(req.FilterProfile)
	if err != nil {
		return nil, err
	}
	if req.FilterProfile == "" {
		profile = filter.Profile(r.cfg.Filter.DefaultProfile)
	}

	now := time.Now()
	model := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Username:       req.Username,
		TicketRef:      req.TicketRef,
		ClientRef:      req.ClientRef,
		FilterProfile:  string(profile),
		Status:         domain.SessionStarting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	ls := &liveSession{model: model}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions active", ErrCapacityExceeded, r.cfg.MaxSessions)
	}
	r.sessions[model.ID] = ls
	r.mu.Unlock()

	if err := r.repo.CreateSession(ctx, model); err != nil {
		r.evict(model.ID)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	runner := r.newRunner(engine.Spec{
		SessionID: model.ID,
		UserID:    req.UserID,
		Username:  req.Username,
		TicketRef: req.TicketRef,
		ClientRef: req.ClientRef,
	})

	sessCtx, cancel := context.WithCancel(context.Background())
	if err := runner.Start(sessCtx); err != nil {
		cancel()
		r.evict(model.ID)
		r.persistStatus(model.ID, domain.SessionFailed)
		return nil, fmt.Errorf("start engine: %w", err)
	}

	ls.mu.Lock()
	ls.runner = runner
	ls.ctx = sessCtx
	ls.cancel = cancel
	model.Status = domain.SessionActive
	snapshot := *model
	ls.mu.Unlock()

	r.persistStatus(model.ID, domain.SessionActive)
	r.audit.Log(audit.Event{
		SessionID: model.ID,
		UserID:    req.UserID,
		Kind:      audit.KindSessionOpened,
		Detail:    req.TicketRef,
	})

	slog.Info("session opened",
		"session_id", model.ID,
		"user_id", req.UserID,
		"filter_profile", model.FilterProfile)
	return &snapshot, nil
}

// Get returns a snapshot of a live session's model.
func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	ls, err := r.live(sessionID)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	snapshot := *ls.model
	ls.mu.Unlock()
	return &snapshot, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send submits an operator message and returns the stream of turn
// events. A session already processing a turn rejects the send.
func (r *Registry) Send(ctx context.Context, sessionID, text string) (<-chan Event, error) {
	ls, err := r.live(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	if !ls.model.Status.Live() {
		ls.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if ls.busy || ls.runner == nil {
		ls.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrSessionBusy, sessionID)
	}
	ls.busy = true
	ls.model.Status = domain.SessionActive
	ls.model.LastActivityAt = time.Now()
	model := *ls.model
	runner := ls.runner
	ls.mu.Unlock()

	msg := &domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleOperator,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := r.repo.AppendMessage(ctx, msg); err != nil {
		r.clearBusy(ls)
		return nil, fmt.Errorf("persist operator message: %w", err)
	}
	if err := r.repo.TouchSession(ctx, sessionID, model.LastActivityAt); err != nil {
		slog.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}
	r.audit.Log(audit.Event{
		SessionID: sessionID,
		UserID:    model.UserID,
		Kind:      audit.KindOperatorMessage,
		Content:   text,
	})

	line, err := engine.OperatorMessageLine(text)
	if err != nil {
		r.clearBusy(ls)
		return nil, err
	}
	if err := runner.WriteLine(line); err != nil {
		r.failSession(ls, fmt.Errorf("write to engine: %w", err))
		return nil, fmt.Errorf("write to engine: %w", err)
	}

	events := make(chan Event, r.cfg.Engine.EventQueueSize)
	go r.runTurn(ls, events)
	return events, nil
}

// Terminate stops a session's engine and retires the session. It is
// idempotent: terminating an already-ended session is a no-op, and an
// unknown ID reports ErrSessionNotFound.
func (r *Registry) Terminate(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		persisted, err := r.repo.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("look up session: %w", err)
		}
		if persisted == nil {
			return ErrSessionNotFound
		}
		// Already terminated earlier; nothing left to stop.
		return nil
	}

	ls.mu.Lock()
	ls.model.Status = domain.SessionTerminated
	now := time.Now()
	ls.model.EndedAt = &now
	runner := ls.runner
	cancel := ls.cancel
	model := *ls.model
	ls.mu.Unlock()

	r.gateway.CancelSession(ctx, sessionID)
	if cancel != nil {
		cancel()
	}
	if runner != nil {
		if err := runner.Stop(r.cfg.Engine.ShutdownGrace); err != nil {
			slog.Warn("failed to stop engine", "session_id", sessionID, "error", err)
		}
	}

	r.persistStatus(sessionID, domain.SessionTerminated)
	r.audit.Log(audit.Event{
		SessionID: sessionID,
		UserID:    model.UserID,
		Kind:      audit.KindSessionClosed,
	})
	r.audit.ReleaseSession(sessionID)

	slog.Info("session terminated", "session_id", sessionID)
	return nil
}

// SweepIdle terminates sessions with no operator activity inside the
// idle timeout and returns how many were reaped.
func (r *Registry) SweepIdle(ctx context.Context, now time.Time) int {
	r.mu.RLock()
	var stale []string
	for id, ls := range r.sessions {
		ls.mu.Lock()
		if ls.model.IdleFor(r.cfg.SessionIdleTimeout, now) {
			stale = append(stale, id)
		}
		ls.mu.Unlock()
	}
	r.mu.RUnlock()

	reaped := 0
	for _, id := range stale {
		if err := r.Terminate(ctx, id); err != nil {
			slog.Warn("failed to reap idle session", "session_id", id, "error", err)
			continue
		}
		slog.Info("idle session reaped", "session_id", id)
		reaped++
	}
	return reaped
}

// Shutdown terminates every live session, used on broker exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Terminate(ctx, id); err != nil {
			slog.Warn("failed to terminate session during shutdown",
				"session_id", id, "error", err)
		}
	}
}

func (r *Registry) live(sessionID string) (*liveSession, error) {
	r.mu.RLock()
	ls, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ls, nil
}

func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Registry) clearBusy(ls *liveSession) {
	ls.mu.Lock()
	ls.busy = false
	ls.mu.Unlock()
}

// failSession retires a session whose engine stream broke.
func (r *Registry) failSession(ls *liveSession, cause error) {
	ls.mu.Lock()
	if !ls.model.Status.Live() {
		ls.mu.Unlock()
		return
	}
	ls.model.Status = domain.SessionFailed
	now := time.Now()
	ls.model.EndedAt = &now
	sessionID := ls.model.ID
	runner := ls.runner
	cancel := ls.cancel
	ls.busy = false
	ls.mu.Unlock()

	slog.Error("session failed", "session_id", sessionID, "error", cause)

	r.evict(sessionID)
	r.gateway.CancelSession(context.Background(), sessionID)
	if cancel != nil {
		cancel()
	}
	if runner != nil {
		_ = runner.Stop(r.cfg.Engine.ShutdownGrace)
	}
	r.persistStatus(sessionID, domain.SessionFailed)
	r.audit.ReleaseSession(sessionID)
}

// persistStatus mirrors a status change to the store, best effort.
func (r *Registry) persistStatus(sessionID string, status domain.SessionStatus) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := r.repo.UpdateSessionStatus(ctx, sessionID, status, time.Now()); err != nil {
		slog.Warn("failed to persist session status",
			"session_id", sessionID, "status", status, "error", err)
	}
}
