package store

import (
	"context"
	"database/sql"
	"errors"

	"aim-chat/sync-server/internal/contracts"
)

// Device is one registered client device.
type Device struct {
	AccountDigest string `json:"accountDigest"`
	DeviceID      string `json:"deviceId"`
	Label         string `json:"label,omitempty"`
	Status        string `json:"status"`
	LastSeenAt    int64  `json:"lastSeenAt,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func upsertDeviceTx(ctx context.Context, tx *sql.Tx, accountDigest, deviceID, label string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (account_digest, device_id, label, status, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT (account_digest, device_id)
		DO UPDATE SET label        = COALESCE(NULLIF(excluded.label, ''), devices.label),
		              last_seen_at = excluded.last_seen_at,
		              updated_at   = excluded.updated_at`,
		accountDigest, deviceID, nullString(label), now, now, now)
	return err
}

func (s *Store) UpsertDevice(ctx context.Context, accountDigest, deviceID, label string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertDeviceTx(ctx, tx, accountDigest, deviceID, label, s.now())
	})
	return asDomainError(err)
}

// CheckDevice returns the device row, or NotFound.
func (s *Store) CheckDevice(ctx context.Context, accountDigest, deviceID string) (*Device, error) {
	d := &Device{}
	var label sql.NullString
	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT account_digest, device_id, label, status, last_seen_at, created_at, updated_at
		FROM devices WHERE account_digest = ? AND device_id = ?`,
		accountDigest, deviceID).Scan(
		&d.AccountDigest, &d.DeviceID, &label, &d.Status, &lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("device not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	d.Label = label.String
	d.LastSeenAt = lastSeen.Int64
	return d, nil
}

// ActiveDevices lists the account's active devices, most recent first.
func (s *Store) ActiveDevices(ctx context.Context, accountDigest string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_digest, device_id, label, status, last_seen_at, created_at, updated_at
		FROM devices WHERE account_digest = ? AND status = 'active'
		ORDER BY updated_at DESC`, accountDigest)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d := Device{}
		var label sql.NullString
		var lastSeen sql.NullInt64
		if err := rows.Scan(&d.AccountDigest, &d.DeviceID, &label, &d.Status,
			&lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, asDomainError(err)
		}
		d.Label = label.String
		d.LastSeenAt = lastSeen.Int64
		out = append(out, d)
	}
	return out, asDomainError(rows.Err())
}
