package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
)

// backupRetainCount is how many snapshots survive trimming, ordered by
// (updated_at DESC, id DESC).
const backupRetainCount = 5

// BackupInput is one contact-secret snapshot write.
type BackupInput struct {
	AccountDigest   string
	Version         *int64
	PayloadJSON     string
	SnapshotVersion *int64
	Entries         *int64
	Checksum        string
	Bytes           *int64
	DeviceLabel     string
	DeviceID        string
}

// BackupRow is one retained snapshot.
type BackupRow struct {
	ID              int64           `json:"id"`
	AccountDigest   string          `json:"accountDigest"`
	Version         int64           `json:"version"`
	Payload         json.RawMessage `json:"payload"`
	SnapshotVersion *int64          `json:"snapshotVersion,omitempty"`
	Entries         *int64          `json:"entries,omitempty"`
	Checksum        string          `json:"checksum,omitempty"`
	Bytes           *int64          `json:"bytes,omitempty"`
	DeviceLabel     string          `json:"deviceLabel,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	UpdatedAt       int64           `json:"updatedAt"`
	CreatedAt       int64           `json:"createdAt"`
}

// payloadWithDrState digs meta.withDrState out of the opaque payload.
// Absent or unreadable counts as zero.
func payloadWithDrState(payloadJSON string) int64 {
	var wrapper struct {
		Meta struct {
			WithDrState any `json:"withDrState"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &wrapper); err != nil {
		return 0
	}
	switch v := wrapper.Meta.WithDrState.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		n, _ := normalize.Int64(v)
		return n
	}
}

// WriteBackup inserts a snapshot with the anti-regression guard and trims
// retention, in one transaction.
func (s *Store) WriteBackup(ctx context.Context, in BackupInput) (*BackupRow, error) {
	var out *BackupRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := writeBackupTx(ctx, tx, in, s.now())
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return out, nil
}

// writeBackupTx is shared with atomic send. The guard: a payload whose
// withDrState is smaller than the largest among retained rows is rejected,
// so a stale device cannot overwrite a more advanced ratchet snapshot.
func writeBackupTx(ctx context.Context, tx *sql.Tx, in BackupInput, now int64) (*BackupRow, error) {
	newWith := payloadWithDrState(in.PayloadJSON)
	rows, err := tx.QueryContext(ctx, `
		SELECT payload_json FROM contact_secret_backups
		WHERE account_digest = ?
		ORDER BY updated_at DESC, id DESC LIMIT ?`,
		in.AccountDigest, backupRetainCount)
	if err != nil {
		return nil, err
	}
	var maxWith int64
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if w := payloadWithDrState(payload); w > maxWith {
			maxWith = w
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if newWith < maxWith {
		return nil, contracts.ContactSecretsBackupRejected(
			"backup carries older ratchet state than retained snapshots")
	}

	version := int64(0)
	if in.Version != nil {
		version = *in.Version
	} else {
		var maxVersion sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(version) FROM contact_secret_backups WHERE account_digest = ?`,
			in.AccountDigest).Scan(&maxVersion); err != nil {
			return nil, err
		}
		version = maxVersion.Int64 + 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO contact_secret_backups
		    (account_digest, version, payload_json, snapshot_version, entries,
		     checksum, bytes, device_label, device_id, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.AccountDigest, version, in.PayloadJSON, nullInt64(in.SnapshotVersion),
		nullInt64(in.Entries), nullString(in.Checksum), nullInt64(in.Bytes),
		nullString(in.DeviceLabel), nullString(in.DeviceID), now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contact_secret_backups
		WHERE account_digest = ? AND id NOT IN (
		    SELECT id FROM contact_secret_backups
		    WHERE account_digest = ?
		    ORDER BY updated_at DESC, id DESC LIMIT ?)`,
		in.AccountDigest, in.AccountDigest, backupRetainCount); err != nil {
		return nil, err
	}

	return &BackupRow{
		ID:            id,
		AccountDigest: in.AccountDigest,
		Version:       version,
		Payload:       json.RawMessage(in.PayloadJSON),
		UpdatedAt:     now,
		CreatedAt:     now,
	}, nil
}

// ReadBackups returns up to limit rows newest-first, or one exact version.
func (s *Store) ReadBackups(ctx context.Context, accountDigest string, limit int, version *int64) ([]BackupRow, error) {
	if limit <= 0 || limit > backupRetainCount {
		limit = backupRetainCount
	}
	query := `
		SELECT id, account_digest, version, payload_json, snapshot_version, entries,
		       COALESCE(checksum, ''), bytes, COALESCE(device_label, ''),
		       COALESCE(device_id, ''), updated_at, created_at
		FROM contact_secret_backups
		WHERE account_digest = ?`
	args := []any{accountDigest}
	if version != nil {
		query += ` AND version = ?`
		args = append(args, *version)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []BackupRow
	for rows.Next() {
		b := BackupRow{}
		var payload string
		var snapshotVersion, entries, byteCount sql.NullInt64
		if err := rows.Scan(&b.ID, &b.AccountDigest, &b.Version, &payload,
			&snapshotVersion, &entries, &b.Checksum, &byteCount,
			&b.DeviceLabel, &b.DeviceID, &b.UpdatedAt, &b.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		b.Payload = json.RawMessage(payload)
		if snapshotVersion.Valid {
			b.SnapshotVersion = &snapshotVersion.Int64
		}
		if entries.Valid {
			b.Entries = &entries.Int64
		}
		if byteCount.Valid {
			b.Bytes = &byteCount.Int64
		}
		out = append(out, b)
	}
	return out, asDomainError(rows.Err())
}
