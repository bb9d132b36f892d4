package store

import (
	"context"
	"database/sql"
	"errors"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/platform/metrics"
)

// OneTimePrekey is one published OPK as the client sent it.
type OneTimePrekey struct {
	ID  int64
	Pub string
}

// PublishInput carries one device's prekey upload. Signature verification
// over the signed prekey happens at the boundary before this is called.
type PublishInput struct {
	AccountDigest string
	DeviceID      string
	DeviceLabel   string
	SPKID         int64
	SPKPub        string
	SPKSig        string
	IKPub         string
	OPKs          []OneTimePrekey
}

// Bundle is the server-side half of an X3DH handshake: the peer's signed
// prekey plus exactly one consumed one-time prekey.
type Bundle struct {
	DeviceID string        `json:"deviceId"`
	IKPub    string        `json:"ikPub"`
	SPKID    int64         `json:"spkId"`
	SPKPub   string        `json:"spkPub"`
	SPKSig   string        `json:"spkSig"`
	OPK      OneTimePrekey `json:"-"`
}

// PublishPrekeys upserts the device and signed prekey, inserts the OPK
// batch, and returns max(opk_id)+1 so the client knows where to continue
// numbering. ik_pub is only filled when previously null: a device's
// identity key never silently rotates through this path.
func (s *Store) PublishPrekeys(ctx context.Context, in PublishInput) (int64, error) {
	var nextOPKID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := upsertDeviceTx(ctx, tx, in.AccountDigest, in.DeviceID, in.DeviceLabel, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signed_prekeys (account_digest, device_id, spk_id, spk_pub, spk_sig, ik_pub, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_digest, device_id, spk_id)
			DO UPDATE SET spk_pub = excluded.spk_pub,
			              spk_sig = excluded.spk_sig,
			              ik_pub  = COALESCE(signed_prekeys.ik_pub, excluded.ik_pub)`,
			in.AccountDigest, in.DeviceID, in.SPKID, in.SPKPub, in.SPKSig, nullString(in.IKPub), now); err != nil {
			return err
		}
		for _, opk := range in.OPKs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO one_time_prekeys (account_digest, device_id, opk_id, opk_pub, issued_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (account_digest, device_id, opk_id) DO NOTHING`,
				in.AccountDigest, in.DeviceID, opk.ID, opk.Pub, now); err != nil {
				return err
			}
		}
		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(opk_id) FROM one_time_prekeys
			WHERE account_digest = ? AND device_id = ?`,
			in.AccountDigest, in.DeviceID).Scan(&maxID); err != nil {
			return err
		}
		nextOPKID = maxID.Int64 + 1
		return nil
	})
	if err != nil {
		return 0, asDomainError(err)
	}
	metrics.OPKPublishedTotal.Add(float64(len(in.OPKs)))
	return nextOPKID, nil
}

// FetchBundle locates the most recent signed prekey for the peer (most
// recently updated device when unspecified) and consumes the lowest-id
// unconsumed OPK in the same transaction. That consume is the
// serialization point: an OPK is handed out at most once.
func (s *Store) FetchBundle(ctx context.Context, peerDigest, peerDeviceID string) (*Bundle, error) {
	bundle := &Bundle{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT sp.device_id, sp.spk_id, sp.spk_pub, sp.spk_sig, COALESCE(sp.ik_pub, '')
			FROM signed_prekeys sp
			JOIN devices d ON d.account_digest = sp.account_digest AND d.device_id = sp.device_id
			WHERE sp.account_digest = ?`
		args := []any{peerDigest}
		if peerDeviceID != "" {
			query += ` AND sp.device_id = ?`
			args = append(args, peerDeviceID)
		}
		query += ` ORDER BY d.updated_at DESC, sp.created_at DESC, sp.spk_id DESC LIMIT 1`

		err := tx.QueryRowContext(ctx, query, args...).Scan(
			&bundle.DeviceID, &bundle.SPKID, &bundle.SPKPub, &bundle.SPKSig, &bundle.IKPub)
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.PrekeyUnavailable("signed prekey missing")
		}
		if err != nil {
			return err
		}
		if bundle.IKPub == "" {
			return contracts.PrekeyUnavailable("identity key missing")
		}
		opk, err := consumeOPKTx(ctx, tx, peerDigest, bundle.DeviceID, s.now())
		if err != nil {
			return err
		}
		bundle.OPK = *opk
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	metrics.OPKConsumedTotal.Inc()
	return bundle, nil
}

// consumeOPKTx selects the lowest-id unconsumed OPK and marks it consumed.
// The conditional UPDATE guards against a concurrent consumer on databases
// that do not take the write lock at SELECT time.
func consumeOPKTx(ctx context.Context, tx *sql.Tx, accountDigest, deviceID string, now int64) (*OneTimePrekey, error) {
	opk := &OneTimePrekey{}
	err := tx.QueryRowContext(ctx, `
		SELECT opk_id, opk_pub FROM one_time_prekeys
		WHERE account_digest = ? AND device_id = ? AND consumed_at IS NULL
		ORDER BY opk_id ASC LIMIT 1`,
		accountDigest, deviceID).Scan(&opk.ID, &opk.Pub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.PrekeyUnavailable("one-time prekey missing")
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE one_time_prekeys SET consumed_at = ?
		WHERE account_digest = ? AND device_id = ? AND opk_id = ? AND consumed_at IS NULL`,
		now, accountDigest, deviceID, opk.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, contracts.PrekeyUnavailable("one-time prekey missing")
	}
	return opk, nil
}
