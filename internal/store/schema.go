package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"aim-chat/sync-server/internal/contracts"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
    account_digest  TEXT PRIMARY KEY,
    account_token   TEXT NOT NULL,
    uid_digest      TEXT NOT NULL UNIQUE,
    last_ctr        INTEGER NOT NULL DEFAULT 0,
    wrapped_mk_json TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
    account_digest TEXT NOT NULL,
    device_id      TEXT NOT NULL,
    label          TEXT,
    status         TEXT NOT NULL DEFAULT 'active',
    last_seen_at   INTEGER,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (account_digest, device_id)
);

CREATE TABLE IF NOT EXISTS signed_prekeys (
    account_digest TEXT NOT NULL,
    device_id      TEXT NOT NULL,
    spk_id         INTEGER NOT NULL,
    spk_pub        TEXT NOT NULL,
    spk_sig        TEXT NOT NULL,
    ik_pub         TEXT,
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (account_digest, device_id, spk_id)
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
    account_digest TEXT NOT NULL,
    device_id      TEXT NOT NULL,
    opk_id         INTEGER NOT NULL,
    opk_pub        TEXT NOT NULL,
    issued_at      INTEGER NOT NULL,
    consumed_at    INTEGER,
    PRIMARY KEY (account_digest, device_id, opk_id)
);

CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_acl (
    conversation_id TEXT NOT NULL,
    account_digest  TEXT NOT NULL,
    device_id       TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL DEFAULT 'member',
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, account_digest, device_id)
);

CREATE TABLE IF NOT EXISTS messages_secure (
    id                      TEXT PRIMARY KEY,
    conversation_id         TEXT NOT NULL,
    sender_account_digest   TEXT NOT NULL,
    sender_device_id        TEXT NOT NULL,
    receiver_account_digest TEXT NOT NULL,
    receiver_device_id      TEXT,
    header_json             TEXT NOT NULL,
    ciphertext_b64          TEXT NOT NULL,
    counter                 INTEGER NOT NULL,
    created_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_secure_sender_scope
    ON messages_secure (conversation_id, sender_account_digest, sender_device_id, counter);
CREATE INDEX IF NOT EXISTS idx_messages_secure_list
    ON messages_secure (conversation_id, counter DESC, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS message_key_vault (
    account_digest    TEXT NOT NULL,
    conversation_id   TEXT NOT NULL,
    message_id        TEXT NOT NULL,
    sender_device_id  TEXT NOT NULL,
    target_device_id  TEXT NOT NULL,
    direction         TEXT NOT NULL,
    msg_type          TEXT,
    header_counter    INTEGER,
    wrapped_mk_json   TEXT NOT NULL,
    wrap_context_json TEXT NOT NULL,
    dr_state_snapshot TEXT,
    created_at        INTEGER NOT NULL,
    PRIMARY KEY (account_digest, conversation_id, message_id, sender_device_id)
);
CREATE INDEX IF NOT EXISTS idx_message_key_vault_counter
    ON message_key_vault (account_digest, conversation_id, header_counter);

CREATE TABLE IF NOT EXISTS contact_secret_backups (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    account_digest   TEXT NOT NULL,
    version          INTEGER NOT NULL,
    payload_json     TEXT NOT NULL,
    snapshot_version INTEGER,
    entries          INTEGER,
    checksum         TEXT,
    bytes            INTEGER,
    device_label     TEXT,
    device_id        TEXT,
    updated_at       INTEGER NOT NULL,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contact_secret_backups_account
    ON contact_secret_backups (account_digest, updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS invite_dropbox (
    invite_id                   TEXT PRIMARY KEY,
    owner_account_digest        TEXT NOT NULL,
    owner_device_id             TEXT NOT NULL,
    owner_public_key_b64        TEXT NOT NULL,
    expires_at                  INTEGER NOT NULL,
    status                      TEXT NOT NULL DEFAULT 'CREATED',
    delivered_by_account_digest TEXT,
    delivered_by_device_id      TEXT,
    delivered_at                INTEGER,
    consumed_at                 INTEGER,
    ciphertext_json             TEXT,
    created_at                  INTEGER NOT NULL,
    updated_at                  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deletion_cursors (
    conversation_id TEXT NOT NULL,
    account_digest  TEXT NOT NULL,
    min_counter     INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, account_digest)
);

CREATE TABLE IF NOT EXISTS conversation_deletion_logs (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_digest         TEXT NOT NULL,
    conversation_id      TEXT NOT NULL,
    encrypted_checkpoint TEXT NOT NULL,
    created_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
    digest     TEXT PRIMARY KEY,
    expires_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
    token_id       TEXT PRIMARY KEY,
    digest         TEXT,
    issued_at      INTEGER,
    extend_days    INTEGER,
    nonce          TEXT,
    key_id         TEXT,
    signature_b64  TEXT,
    status         TEXT NOT NULL DEFAULT 'issued',
    used_at        INTEGER,
    used_by_digest TEXT,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extend_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    token_id    TEXT NOT NULL,
    digest      TEXT NOT NULL,
    extend_days INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS call_sessions (
    session_id      TEXT PRIMARY KEY,
    conversation_id TEXT,
    owner_digest    TEXT NOT NULL,
    payload_json    TEXT,
    expires_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS call_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload_json TEXT,
    expires_at   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS message_send_state (
    conversation_id       TEXT NOT NULL,
    message_id            TEXT NOT NULL,
    sender_account_digest TEXT NOT NULL,
    state_json            TEXT NOT NULL,
    updated_at            INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, message_id, sender_account_digest)
);

CREATE TABLE IF NOT EXISTS device_backups (
    account_digest TEXT NOT NULL,
    device_id      TEXT NOT NULL,
    payload_json   TEXT NOT NULL,
    updated_at     INTEGER NOT NULL,
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (account_digest, device_id)
);

CREATE TABLE IF NOT EXISTS opaque_records (
    account_digest TEXT PRIMARY KEY,
    record_json    TEXT NOT NULL,
    updated_at     INTEGER NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
    owner_digest TEXT NOT NULL,
    contact_id   TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    updated_at   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (owner_digest, contact_id)
);

CREATE TABLE IF NOT EXISTS groups (
    group_id       TEXT PRIMARY KEY,
    creator_digest TEXT NOT NULL,
    meta_json      TEXT,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    group_id        TEXT NOT NULL,
    account_digest  TEXT NOT NULL,
    role            TEXT NOT NULL DEFAULT 'member',
    added_by_digest TEXT,
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (group_id, account_digest)
);

CREATE TABLE IF NOT EXISTS group_invites (
    group_id          TEXT NOT NULL,
    account_digest    TEXT NOT NULL,
    invited_by_digest TEXT,
    created_at        INTEGER NOT NULL,
    PRIMARY KEY (group_id, account_digest)
);

CREATE TABLE IF NOT EXISTS media_objects (
    object_key      TEXT PRIMARY KEY,
    owner_digest    TEXT NOT NULL,
    conversation_id TEXT,
    bytes           INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT,
    owner_digest    TEXT NOT NULL,
    object_key      TEXT,
    meta_json       TEXT,
    created_at      INTEGER NOT NULL
);
`

// requiredTables is what the boot probe checks; the legacy "messages" table
// is deliberately absent (delete paths tolerate it missing).
var requiredTables = []string{
	"accounts", "devices", "signed_prekeys", "one_time_prekeys",
	"conversations", "conversation_acl", "messages_secure",
	"message_key_vault", "contact_secret_backups", "invite_dropbox",
	"deletion_cursors", "conversation_deletion_logs",
	"subscriptions", "tokens", "extend_logs",
	"call_sessions", "call_events", "message_send_state",
	"device_backups", "opaque_records", "contacts",
	"groups", "group_members", "group_invites",
	"media_objects", "attachments",
}

var requiredColumns = map[string]string{
	"accounts":          "wrapped_mk_json",
	"invite_dropbox":    "updated_at",
	"message_key_vault": "dr_state_snapshot",
}

// EnsureSchema creates any missing tables and indexes. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	return s.VerifySchema(ctx)
}

// VerifySchema probes table names plus the three columns newer migrations
// added; missing pieces surface as one SchemaMissing error. The readiness
// flag is write-once: a successful probe is never repeated.
func (s *Store) VerifySchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady.Load() {
		return nil
	}

	present := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		present[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	var missing []string
	for _, table := range requiredTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	for table, column := range requiredColumns {
		if !present[table] {
			continue
		}
		ok, err := s.hasColumn(ctx, table, column)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("%s.%s", table, column))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return contracts.SchemaMissing(missing)
	}

	s.hasLegacyMessages.Store(present["messages"])
	s.schemaReady.Store(true)
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Ready reports whether the boot probe succeeded.
func (s *Store) Ready() bool {
	return s.schemaReady.Load()
}
