package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avereen/deskbrain/internal/domain"
	"github.com/avereen/deskbrain/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	messageMu sync.Mutex // serializes message appends to keep seq assignment free of SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		ticket_ref TEXT,
		client_ref TEXT,
		filter_profile TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_ended ON chat_sessions(ended_at) WHERE ended_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		action_calls TEXT,
		action_results TEXT,
		was_filtered INTEGER DEFAULT 0,
		filter_profile TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		action_name TEXT NOT NULL,
		params TEXT,
		justification TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		resolved_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves an operator by user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates an operator record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for an operator.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// CreateSession persists a newly opened chat session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO chat_sessions (
		id, user_id, username, ticket_ref, client_ref, filter_profile,
		status, created_at, last_activity_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.Username,
		nullString(session.TicketRef), nullString(session.ClientRef),
		session.FilterProfile, string(session.Status),
		session.CreatedAt.Unix(), session.LastActivityAt.Unix(),
		nullUnix(session.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// GetSession retrieves one session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, user_id, username, ticket_ref, client_ref, filter_profile,
		       status, created_at, last_activity_at, ended_at
		FROM chat_sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session row: %w", err)
	}
	return sess, nil
}

// ListSessions retrieves an operator's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT id, user_id, username, ticket_ref, client_ref, filter_profile,
		       status, created_at, last_activity_at, ended_at
		FROM chat_sessions WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer closeRows(rows, "chat sessions")

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus transitions a session's persisted status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	query := `UPDATE chat_sessions SET status = ?, last_activity_at = ? WHERE id = ?`
	args := []interface{}{string(status), at.Unix(), sessionID}

	if !status.Live() {
		query = `UPDATE chat_sessions SET status = ?, last_activity_at = ?, ended_at = ? WHERE id = ?`
		args = []interface{}{string(status), at.Unix(), at.Unix(), sessionID}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionStatus affected 0 rows", "session_id", sessionID, "status", status)
	}
	return nil
}

// TouchSession bumps last_activity_at without changing status.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_activity_at = ? WHERE id = ?`,
		at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// AppendMessage persists a message with the next sequence number.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.appendMessageOnce(ctx, msg)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("AppendMessage hit SQLITE_BUSY, retrying",
				"session_id", msg.SessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("append message for session %s: %w", msg.SessionID, err)
	}

	return nil
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *domain.Message) error {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	actionCalls, err := marshalNullable(msg.ActionCalls, len(msg.ActionCalls) > 0)
	if err != nil {
		return fmt.Errorf("marshal action calls: %w", err)
	}
	actionResults, err := marshalNullable(msg.ActionResults, len(msg.ActionResults) > 0)
	if err != nil {
		return fmt.Errorf("marshal action results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`,
		msg.SessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (
			session_id, seq, role, content, action_calls, action_results,
			was_filtered, filter_profile, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, seq, msg.Role, msg.Content,
		actionCalls, actionResults,
		msg.WasFiltered, nullString(msg.FilterProfile),
		msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	msg.ID = id
	msg.Seq = seq
	return nil
}

// ListMessages retrieves a session's messages ordered by sequence.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, action_calls, action_results,
		       was_filtered, filter_profile, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "chat messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var actionCalls, actionResults, filterProfile sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
			&actionCalls, &actionResults,
			&msg.WasFiltered, &filterProfile, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		if actionCalls.Valid {
			if err := json.Unmarshal([]byte(actionCalls.String), &msg.ActionCalls); err != nil {
				return nil, fmt.Errorf("decode action calls for message %d: %w", msg.ID, err)
			}
		}
		if actionResults.Valid {
			if err := json.Unmarshal([]byte(actionResults.String), &msg.ActionResults); err != nil {
				return nil, fmt.Errorf("decode action results for message %d: %w", msg.ID, err)
			}
		}
		msg.FilterProfile = filterProfile.String
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreateApproval persists a pending approval request.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *domain.PendingApproval) error {
	query := `
	INSERT INTO approvals (
		id, session_id, action_id, action_name, params, justification,
		status, created_at, resolved_at, resolved_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var params interface{}
	if len(approval.Params) > 0 {
		params = string(approval.Params)
	}

	_, err := s.db.ExecContext(ctx, query,
		approval.ID, approval.SessionID, approval.ActionID, approval.ActionName,
		params, nullString(approval.Justification),
		string(approval.Status), approval.CreatedAt.Unix(),
		nullUnix(approval.ResolvedAt), nullString(approval.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval retrieves one approval by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*domain.PendingApproval, error) {
	query := `
		SELECT id, session_id, action_id, action_name, params, justification,
		       status, created_at, resolved_at, resolved_by
		FROM approvals WHERE id = ?`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, approvalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval row: %w", err)
	}
	return approval, nil
}

// UpdateApprovalStatus records the resolution of an approval.
func (s *SQLiteStore) UpdateApprovalStatus(ctx context.Context, approvalID string, status domain.ApprovalStatus, resolvedBy string, at time.Time) error {
	query := `UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(status), at.Unix(), nullString(resolvedBy), approvalID)
	if err != nil {
		return fmt.Errorf("update approval status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateApprovalStatus affected 0 rows", "approval_id", approvalID, "status", status)
	}
	return nil
}

// ListApprovals retrieves a session's approvals, oldest first.
func (s *SQLiteStore) ListApprovals(ctx context.Context, sessionID string) ([]*domain.PendingApproval, error) {
	query := `
		SELECT id, session_id, action_id, action_name, params, justification,
		       status, created_at, resolved_at, resolved_by
		FROM approvals WHERE session_id = ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer closeRows(rows, "approvals")

	var approvals []*domain.PendingApproval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

// PurgeEndedSessions removes terminated sessions and their dependents
// older than the retention window.
func (s *SQLiteStore) PurgeEndedSessions(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sub := `SELECT id FROM chat_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE session_id IN (`+sub+`)`, threshold); err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM approvals WHERE session_id IN (`+sub+`)`, threshold); err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var ticketRef, clientRef sql.NullString
	var status string
	var createdAt, lastActivity int64
	var endedAt sql.NullInt64

	if err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Username, &ticketRef, &clientRef,
		&sess.FilterProfile, &status, &createdAt, &lastActivity, &endedAt,
	); err != nil {
		return nil, err
	}

	sess.TicketRef = ticketRef.String
	sess.ClientRef = clientRef.String
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		sess.EndedAt = &ts
	}
	return &sess, nil
}

func scanApproval(row rowScanner) (*domain.PendingApproval, error) {
	var approval domain.PendingApproval
	var params, justification, resolvedBy sql.NullString
	var status string
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&approval.ID, &approval.SessionID, &approval.ActionID, &approval.ActionName,
		&params, &justification, &status, &createdAt, &resolvedAt, &resolvedBy,
	); err != nil {
		return nil, err
	}

	if params.Valid {
		approval.Params = json.RawMessage(params.String)
	}
	approval.Justification = justification.String
	approval.Status = domain.ApprovalStatus(status)
	approval.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		ts := time.Unix(resolvedAt.Int64, 0)
		approval.ResolvedAt = &ts
	}
	approval.ResolvedBy = resolvedBy.String
	return &approval, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func marshalNullable(v interface{}, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
