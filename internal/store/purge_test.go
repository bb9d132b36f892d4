package store

import (
	"io"
	"log/slog"
	"testing"

	"aim-chat/sync-server/internal/normalize"
)

// seedPurgeAccount populates one account across every owned table and
// returns its digest.
func seedPurgeAccount(t *testing.T, s *Store, now int64) string {
	t.Helper()
	ctx := t.Context()

	res, err := s.Exchange(ctx, ResolveInput{UIDHex: testUID, AllowCreate: true}, 1)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	digest := res.Account.AccountDigest
	other := s.UIDDigest("CCCC33334444DDDD")

	publishTestPrekeys(t, s, digest, "dev-1", 1)
	if err := s.UpsertDevice(ctx, digest, "dev-1", "phone"); err != nil {
		t.Fatalf("device: %v", err)
	}
	if err := s.AuthorizeConversation(ctx, testConv, digest, "dev-1", "member"); err != nil {
		t.Fatalf("acl: %v", err)
	}
	if _, err := s.InsertMessage(ctx, msgInput(digest, other, 1, "msg-00000001")); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000001", 1, normalize.DirectionOutgoing, "")); err != nil {
		t.Fatalf("vault: %v", err)
	}
	if _, err := s.WriteBackup(ctx, BackupInput{AccountDigest: digest, PayloadJSON: backupPayload(1)}); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := s.AdvanceDeletionCursor(ctx, testConv, digest, 1); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if _, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-1", DurationDays: 30}); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if err := s.UpsertCallSession(ctx, CallSession{SessionID: "sess-1", OwnerDigest: digest, ExpiresAt: now + 600}); err != nil {
		t.Fatalf("call session: %v", err)
	}
	if _, err := s.AppendCallEvents(ctx, "sess-1", []CallEvent{{EventType: "offer", ExpiresAt: now + 600}}); err != nil {
		t.Fatalf("call events: %v", err)
	}
	if _, err := s.CreateGroup(ctx, "group-aaaa-bbbb", digest, `{"name":"g"}`, nil); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := s.UpsertContact(ctx, digest, "contact-1", `{"blob":"b3BhcXVl"}`); err != nil {
		t.Fatalf("contact: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO media_objects (object_key, owner_digest, conversation_id, bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		"media/obj-1", digest, testConv, 42, now); err != nil {
		t.Fatalf("media: %v", err)
	}
	return digest
}

func purgeTableCount(t *testing.T, s *Store, table, where string, digest string) int64 {
	t.Helper()
	var n int64
	if err := s.db.QueryRowContext(t.Context(),
		"SELECT COUNT(*) FROM "+table+" WHERE "+where+" = ?", digest).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestPurgeAccountRemovesEveryOwnedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })
	digest := seedPurgeAccount(t, s, now)

	report, err := s.PurgeAccount(ctx, log, digest, false)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}

	// Every seeded table must report at least one deleted row.
	for _, table := range []string{
		"accounts", "devices", "signed_prekeys", "one_time_prekeys",
		"messages_secure", "message_key_vault", "contact_secret_backups",
		"deletion_cursors", "subscriptions", "tokens", "extend_logs",
		"call_events", "call_sessions", "groups", "group_members",
		"contacts", "media_objects", "conversation_acl",
	} {
		if report.Rows[table] < 1 {
			t.Fatalf("table %s: expected deleted rows, report says %d", table, report.Rows[table])
		}
	}
	if len(report.Conversations) != 1 || report.Conversations[0] != testConv {
		t.Fatalf("conversation enumeration: %v", report.Conversations)
	}
	if len(report.MediaObjectKeys) != 1 || report.MediaObjectKeys[0] != "media/obj-1" {
		t.Fatalf("media key enumeration: %v", report.MediaObjectKeys)
	}

	// Nothing owned by the digest survives.
	for table, column := range map[string]string{
		"accounts":               "account_digest",
		"messages_secure":        "sender_account_digest",
		"message_key_vault":      "account_digest",
		"contact_secret_backups": "account_digest",
		"subscriptions":          "digest",
		"tokens":                 "digest",
		"extend_logs":            "digest",
		"call_sessions":          "owner_digest",
		"groups":                 "creator_digest",
		"group_members":          "account_digest",
		"contacts":               "owner_digest",
		"media_objects":          "owner_digest",
	} {
		if n := purgeTableCount(t, s, table, column, digest); n != 0 {
			t.Fatalf("table %s: %d rows survive the purge", table, n)
		}
	}
	var events int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_events WHERE session_id = ?`, "sess-1").Scan(&events); err != nil {
		t.Fatalf("count call_events: %v", err)
	}
	if events != 0 {
		t.Fatalf("%d call_events rows survive the purge", events)
	}
}

func TestPurgeAccountDryRunCountsWithoutDeleting(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })
	digest := seedPurgeAccount(t, s, now)

	report, err := s.PurgeAccount(ctx, log, digest, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !report.DryRun {
		t.Fatalf("report must be flagged as a dry run")
	}
	for _, table := range []string{"accounts", "tokens", "extend_logs", "groups", "call_events", "messages_secure"} {
		if report.Rows[table] != 1 {
			t.Fatalf("dry run table %s: expected count 1, got %d", table, report.Rows[table])
		}
	}

	// Nothing was touched: the account still resolves and the message
	// is still listed.
	if _, _, err := s.ResolveAccount(ctx, ResolveInput{AccountDigest: digest}); err != nil {
		t.Fatalf("account must survive a dry run: %v", err)
	}
	list, err := s.ListMessages(ctx, ListInput{ConversationID: testConv})
	if err != nil || len(list.Messages) != 1 {
		t.Fatalf("messages must survive a dry run: %v %+v", err, list)
	}
	if n := purgeTableCount(t, s, "tokens", "digest", digest); n != 1 {
		t.Fatalf("token row must survive a dry run, got %d", n)
	}
}
