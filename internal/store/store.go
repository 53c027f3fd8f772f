// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avereen/deskbrain/internal/domain"
)

// Repository defines the interface for persisting operators, sessions,
// messages and approvals.
type Repository interface {
	// GetUser retrieves an operator by user ID. Returns nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates an operator record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for an operator.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession persists a newly opened chat session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves one session by ID. Returns nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions retrieves all sessions belonging to an operator,
	// newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// UpdateSessionStatus transitions a session's persisted status and
	// refreshes last_activity_at. Terminal statuses also set ended_at.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error

	// TouchSession bumps last_activity_at without changing status.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// AppendMessage persists a message, assigning the next sequence
	// number within its session.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages retrieves a session's messages ordered by sequence.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// CreateApproval persists a pending approval request.
	CreateApproval(ctx context.Context, approval *domain.PendingApproval) error

	// GetApproval retrieves one approval by ID. Returns nil if absent.
	GetApproval(ctx context.Context, approvalID string) (*domain.PendingApproval, error)

	// UpdateApprovalStatus records the resolution of an approval.
	UpdateApprovalStatus(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy string, at time.Time) error

	// ListApprovals retrieves a session's approvals, oldest first.
	ListApprovals(ctx context.Context, sessionID string) ([]*domain.PendingApproval, error)

	// PurgeEndedSessions removes terminated sessions (and their
	// messages and approvals) older than the retention window.
	PurgeEndedSessions(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
