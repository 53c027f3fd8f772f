package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/avereen/deskbrain/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedSession(t *testing.T, repo Repository, id string) *domain.Session {
	t.Helper()
	now := time.Now()
	sess := &domain.Session{
		ID:             id,
		UserID:         "anon-1",
		Username:       "op-1",
		FilterProfile:  "standard",
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "sess-1")

	for i := 1; i <= 3; i++ {
		msg := &domain.Message{
			SessionID: "sess-1",
			Role:      domain.RoleOperator,
			Content:   "message",
			CreatedAt: time.Now(),
		}
		if err := repo.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
		if msg.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, msg.Seq)
		}
		if msg.ID == 0 {
			t.Fatal("expected message ID to be assigned")
		}
	}

	// Sequences are per session.
	seedSession(t, repo, "sess-2")
	msg := &domain.Message{SessionID: "sess-2", Role: domain.RoleOperator, Content: "hi", CreatedAt: time.Now()}
	if err := repo.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected fresh session to start at seq 1, got %d", msg.Seq)
	}
}

func TestMessageActionPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "sess-1")

	in := &domain.Message{
		SessionID: "sess-1",
		Role:      domain.RoleEngine,
		Content:   "restarting the service now",
		ActionCalls: []domain.ActionCall{{
			ID:            "act-1",
			Name:          "run_remote_command",
			Params:        json.RawMessage(`{"cmd":"systemctl restart nginx"}`),
			Justification: "service is wedged",
		}},
		ActionResults: []domain.ActionResult{{
			ActionID: "act-1",
			Content:  "exit 0",
		}},
		WasFiltered:   true,
		FilterProfile: "cjis",
		CreatedAt:     time.Now(),
	}
	if err := repo.AppendMessage(ctx, in); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if len(got.ActionCalls) != 1 || got.ActionCalls[0].Name != "run_remote_command" {
		t.Fatalf("action calls not preserved: %+v", got.ActionCalls)
	}
	if len(got.ActionResults) != 1 || got.ActionResults[0].ActionID != "act-1" {
		t.Fatalf("action results not preserved: %+v", got.ActionResults)
	}
	if !got.WasFiltered || got.FilterProfile != "cjis" {
		t.Fatalf("filter flags not preserved: %+v", got)
	}
}

func TestGetSessionAbsentReturnsNil(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	sess, err := repo.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil for absent session, got %+v", sess)
	}
}

func TestUpdateSessionStatusSetsEndedAt(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "sess-1")

	if err := repo.UpdateSessionStatus(ctx, "sess-1", domain.SessionTerminated, time.Now()); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	sess, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.SessionTerminated {
		t.Fatalf("expected terminated, got %s", sess.Status)
	}
	if sess.EndedAt == nil {
		t.Fatal("terminal status must set ended_at")
	}

	// Non-terminal transitions leave ended_at untouched.
	seedSession(t, repo, "sess-2")
	if err := repo.UpdateSessionStatus(ctx, "sess-2", domain.SessionAwaitingApproval, time.Now()); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	sess, err = repo.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.EndedAt != nil {
		t.Fatal("live status must not set ended_at")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "sess-1")

	in := &domain.PendingApproval{
		ID:            "appr-1",
		SessionID:     "sess-1",
		ActionID:      "act-1",
		ActionName:    "modify_account",
		Params:        json.RawMessage(`{"account":"c-7"}`),
		Justification: "reset locked account",
		Status:        domain.ApprovalPending,
		CreatedAt:     time.Now(),
	}
	if err := repo.CreateApproval(ctx, in); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	if err := repo.UpdateApprovalStatus(ctx, "appr-1", domain.ApprovalApproved, "anon-1", time.Now()); err != nil {
		t.Fatalf("UpdateApprovalStatus failed: %v", err)
	}

	got, err := repo.GetApproval(ctx, "appr-1")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got == nil || got.Status != domain.ApprovalApproved || got.ResolvedBy != "anon-1" {
		t.Fatalf("unexpected approval: %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Fatal("resolution must set resolved_at")
	}
}

func TestPurgeEndedSessions(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	old := seedSession(t, repo, "sess-old")
	if err := repo.AppendMessage(ctx, &domain.Message{
		SessionID: old.ID, Role: domain.RoleOperator, Content: "hi", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	// End it in the past, beyond any retention we test with.
	if err := repo.UpdateSessionStatus(ctx, old.ID, domain.SessionTerminated, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	live := seedSession(t, repo, "sess-live")

	deleted, err := repo.PurgeEndedSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeEndedSessions failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 purged session, got %d", deleted)
	}

	if sess, _ := repo.GetSession(ctx, old.ID); sess != nil {
		t.Fatal("purged session still present")
	}
	if msgs, _ := repo.ListMessages(ctx, old.ID); len(msgs) != 0 {
		t.Fatal("purged session messages still present")
	}
	if sess, _ := repo.GetSession(ctx, live.ID); sess == nil {
		t.Fatal("live session was purged")
	}
}

func TestUserUpsertAndLastSeen(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	user := &domain.User{
		UserID:     "anon-9",
		Username:   "op-9",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Hour)
	if err := repo.UpdateLastSeen(ctx, "anon-9", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	got, err := repo.GetUser(ctx, "anon-9")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || got.Username != "op-9" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if !got.LastSeenAt.After(got.CreatedAt) {
		t.Fatalf("last_seen_at not updated: %+v", got)
	}
}
