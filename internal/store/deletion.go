package store

import (
	"context"
	"database/sql"
	"errors"
)

// AdvanceDeletionCursor raises min_counter for (conversation, account).
// A lower value is silently ignored; the stored cursor after the call is
// returned either way.
func (s *Store) AdvanceDeletionCursor(ctx context.Context, conversationID, accountDigest string, minCounter int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deletion_cursors (conversation_id, account_digest, min_counter, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, account_digest)
		DO UPDATE SET min_counter = excluded.min_counter, updated_at = excluded.updated_at
		WHERE excluded.min_counter > deletion_cursors.min_counter`,
		conversationID, accountDigest, minCounter, s.now())
	if err != nil {
		return 0, asDomainError(err)
	}
	var current int64
	err = s.db.QueryRowContext(ctx, `
		SELECT min_counter FROM deletion_cursors
		WHERE conversation_id = ? AND account_digest = ?`,
		conversationID, accountDigest).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return current, asDomainError(err)
}

// DeletionLogEntry is one opaque cross-device tombstone checkpoint.
type DeletionLogEntry struct {
	ID                  int64  `json:"id"`
	OwnerDigest         string `json:"ownerDigest"`
	ConversationID      string `json:"conversationId"`
	EncryptedCheckpoint string `json:"encryptedCheckpoint"`
	CreatedAt           int64  `json:"createdAt"`
}

// AppendDeletionLog appends one encrypted checkpoint.
func (s *Store) AppendDeletionLog(ctx context.Context, ownerDigest, conversationID, encryptedCheckpoint string) (*DeletionLogEntry, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_deletion_logs (owner_digest, conversation_id, encrypted_checkpoint, created_at)
		VALUES (?, ?, ?, ?)`,
		ownerDigest, conversationID, encryptedCheckpoint, now)
	if err != nil {
		return nil, asDomainError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, asDomainError(err)
	}
	return &DeletionLogEntry{
		ID: id, OwnerDigest: ownerDigest, ConversationID: conversationID,
		EncryptedCheckpoint: encryptedCheckpoint, CreatedAt: now,
	}, nil
}

// ListDeletionLog returns all entries for (owner, conversation), id ASC.
func (s *Store) ListDeletionLog(ctx context.Context, ownerDigest, conversationID string) ([]DeletionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_digest, conversation_id, encrypted_checkpoint, created_at
		FROM conversation_deletion_logs
		WHERE owner_digest = ? AND conversation_id = ?
		ORDER BY id ASC`,
		ownerDigest, conversationID)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []DeletionLogEntry
	for rows.Next() {
		var e DeletionLogEntry
		if err := rows.Scan(&e.ID, &e.OwnerDigest, &e.ConversationID,
			&e.EncryptedCheckpoint, &e.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		out = append(out, e)
	}
	return out, asDomainError(rows.Err())
}
