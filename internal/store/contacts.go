package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// ContactRow is one opaque encrypted contact record.
type ContactRow struct {
	OwnerDigest string          `json:"ownerDigest"`
	ContactID   string          `json:"contactId"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   int64           `json:"updatedAt"`
	CreatedAt   int64           `json:"createdAt"`
}

func (s *Store) UpsertContact(ctx context.Context, ownerDigest, contactID, payloadJSON string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (owner_digest, contact_id, payload_json, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_digest, contact_id)
		DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		ownerDigest, contactID, payloadJSON, now, now)
	return asDomainError(err)
}

// ContactsSnapshot returns every contact row for the owner, newest first.
func (s *Store) ContactsSnapshot(ctx context.Context, ownerDigest string) ([]ContactRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_digest, contact_id, payload_json, updated_at, created_at
		FROM contacts WHERE owner_digest = ?
		ORDER BY updated_at DESC, contact_id ASC`, ownerDigest)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []ContactRow
	for rows.Next() {
		var c ContactRow
		var payload string
		if err := rows.Scan(&c.OwnerDigest, &c.ContactID, &payload, &c.UpdatedAt, &c.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		c.Payload = json.RawMessage(payload)
		out = append(out, c)
	}
	return out, asDomainError(rows.Err())
}

// DeleteContact removes one contact row and, when a conversation id is
// supplied, appends the encrypted tombstone checkpoint in the same batch.
func (s *Store) DeleteContact(ctx context.Context, ownerDigest, contactID, conversationID, encryptedCheckpoint string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM contacts WHERE owner_digest = ? AND contact_id = ?`,
			ownerDigest, contactID)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		if conversationID != "" && encryptedCheckpoint != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_deletion_logs (owner_digest, conversation_id, encrypted_checkpoint, created_at)
				VALUES (?, ?, ?, ?)`,
				ownerDigest, conversationID, encryptedCheckpoint, s.now()); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, asDomainError(err)
}

// MediaUsage sums the account's stored media objects.
type MediaUsage struct {
	OwnerDigest string `json:"ownerDigest"`
	Objects     int64  `json:"objects"`
	Bytes       int64  `json:"bytes"`
}

func (s *Store) MediaUsageFor(ctx context.Context, ownerDigest string) (*MediaUsage, error) {
	out := &MediaUsage{OwnerDigest: ownerDigest}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(bytes), 0) FROM media_objects WHERE owner_digest = ?`,
		ownerDigest).Scan(&out.Objects, &out.Bytes)
	return out, asDomainError(err)
}
