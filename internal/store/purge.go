package store

import (
	"context"
	"log/slog"
)

// PurgeReport enumerates what a purge removed (or would remove, when
// DryRun is set).
type PurgeReport struct {
	AccountDigest   string           `json:"accountDigest"`
	DryRun          bool             `json:"dryRun"`
	Conversations   []string         `json:"conversations,omitempty"`
	MediaObjectKeys []string         `json:"mediaObjectKeys,omitempty"`
	Rows            map[string]int64 `json:"rows"`
}

// purgeStmts are the per-table deletes, keyed by table, each taking the
// account digest once unless noted. call_events goes before call_sessions:
// its rows are reachable only through the session ids being deleted.
var purgeStmts = []struct {
	table string
	sql   string
	args  int
}{
	{"devices", `DELETE FROM devices WHERE account_digest = ?`, 1},
	{"signed_prekeys", `DELETE FROM signed_prekeys WHERE account_digest = ?`, 1},
	{"one_time_prekeys", `DELETE FROM one_time_prekeys WHERE account_digest = ?`, 1},
	{"messages_secure", `DELETE FROM messages_secure WHERE sender_account_digest = ? OR receiver_account_digest = ?`, 2},
	{"message_key_vault", `DELETE FROM message_key_vault WHERE account_digest = ?`, 1},
	{"contact_secret_backups", `DELETE FROM contact_secret_backups WHERE account_digest = ?`, 1},
	{"invite_dropbox", `DELETE FROM invite_dropbox WHERE owner_account_digest = ? OR delivered_by_account_digest = ?`, 2},
	{"deletion_cursors", `DELETE FROM deletion_cursors WHERE account_digest = ?`, 1},
	{"conversation_deletion_logs", `DELETE FROM conversation_deletion_logs WHERE owner_digest = ?`, 1},
	{"subscriptions", `DELETE FROM subscriptions WHERE digest = ?`, 1},
	{"tokens", `DELETE FROM tokens WHERE digest = ?`, 1},
	{"extend_logs", `DELETE FROM extend_logs WHERE digest = ?`, 1},
	{"call_events", `DELETE FROM call_events WHERE session_id IN (SELECT session_id FROM call_sessions WHERE owner_digest = ?)`, 1},
	{"call_sessions", `DELETE FROM call_sessions WHERE owner_digest = ?`, 1},
	{"message_send_state", `DELETE FROM message_send_state WHERE sender_account_digest = ?`, 1},
	{"device_backups", `DELETE FROM device_backups WHERE account_digest = ?`, 1},
	{"opaque_records", `DELETE FROM opaque_records WHERE account_digest = ?`, 1},
	{"contacts", `DELETE FROM contacts WHERE owner_digest = ?`, 1},
	{"group_members", `DELETE FROM group_members WHERE account_digest = ?`, 1},
	{"group_invites", `DELETE FROM group_invites WHERE account_digest = ?`, 1},
	{"groups", `DELETE FROM groups WHERE creator_digest = ?`, 1},
	{"media_objects", `DELETE FROM media_objects WHERE owner_digest = ?`, 1},
	{"attachments", `DELETE FROM attachments WHERE owner_digest = ?`, 1},
	{"conversation_acl", `DELETE FROM conversation_acl WHERE account_digest = ?`, 1},
	{"accounts", `DELETE FROM accounts WHERE account_digest = ?`, 1},
}

// PurgeAccount removes every row the digest owns or participates in.
// Each table is deleted independently and best-effort: a failure is
// logged and the purge moves on, so a partially-failed purge can be
// retried and converges. Dry run enumerates without deleting.
func (s *Store) PurgeAccount(ctx context.Context, log *slog.Logger, digest string, dryRun bool) (*PurgeReport, error) {
	report := &PurgeReport{
		AccountDigest: digest,
		DryRun:        dryRun,
		Rows:          map[string]int64{},
	}

	convs, err := s.accountConversations(ctx, digest)
	if err != nil {
		return nil, asDomainError(err)
	}
	report.Conversations = convs

	keys, err := s.accountMediaKeys(ctx, digest)
	if err != nil {
		return nil, asDomainError(err)
	}
	report.MediaObjectKeys = keys

	for _, stmt := range purgeStmts {
		args := []any{digest}
		if stmt.args == 2 {
			args = append(args, digest)
		}
		if dryRun {
			n, err := s.countRows(ctx, stmt.sql, args)
			if err != nil {
				log.Warn("purge dry-run count failed", "table", stmt.table, "error", err)
				continue
			}
			report.Rows[stmt.table] = n
			continue
		}
		res, err := s.db.ExecContext(ctx, stmt.sql, args...)
		if err != nil {
			log.Warn("purge delete failed", "table", stmt.table, "error", err)
			continue
		}
		n, _ := res.RowsAffected()
		report.Rows[stmt.table] = n
	}

	if !dryRun && s.hasLegacyMessages.Load() {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE sender_digest = ? OR receiver_digest = ?`, digest, digest)
		if err != nil {
			log.Warn("purge delete failed", "table", "messages", "error", err)
		} else {
			n, _ := res.RowsAffected()
			report.Rows["messages"] = n
		}
	}

	return report, nil
}

func (s *Store) countRows(ctx context.Context, deleteSQL string, args []any) (int64, error) {
	countSQL := "SELECT COUNT(*) " + deleteSQL[len("DELETE "):]
	var n int64
	err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&n)
	return n, err
}

func (s *Store) accountConversations(ctx context.Context, digest string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT conversation_id FROM conversation_acl
		WHERE account_digest = ? ORDER BY conversation_id ASC`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) accountMediaKeys(ctx context.Context, digest string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_key FROM media_objects WHERE owner_digest = ? ORDER BY object_key ASC`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
