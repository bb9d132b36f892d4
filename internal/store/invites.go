package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"aim-chat/sync-server/internal/contracts"
)

// Invite dropbox states.
const (
	InviteCreated   = "CREATED"
	InviteDelivered = "DELIVERED"
	InviteConsumed  = "CONSUMED"
	InviteExpired   = "EXPIRED"
)

// inviteWindowSeconds is the fixed rendezvous window.
const inviteWindowSeconds = 300

// InviteRow is one dropbox row.
type InviteRow struct {
	InviteID          string          `json:"inviteId"`
	OwnerDigest       string          `json:"ownerAccountDigest"`
	OwnerDeviceID     string          `json:"ownerDeviceId"`
	OwnerPublicKeyB64 string          `json:"ownerPublicKeyB64"`
	ExpiresAt         int64           `json:"expiresAt"`
	Status            string          `json:"status"`
	DeliveredByDigest string          `json:"deliveredByAccountDigest,omitempty"`
	DeliveredByDevice string          `json:"deliveredByDeviceId,omitempty"`
	DeliveredAt       int64           `json:"deliveredAt,omitempty"`
	ConsumedAt        int64           `json:"consumedAt,omitempty"`
	Ciphertext        json.RawMessage `json:"-"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         int64           `json:"updatedAt"`
}

// InviteBundle is what create hands back: the owner's prekey bundle with a
// freshly consumed OPK bound into the rendezvous.
type InviteBundle struct {
	InviteID  string `json:"inviteId"`
	ExpiresAt int64  `json:"expiresAt"`
	Bundle    Bundle `json:"bundle"`
}

// CreateInvite opens a dropbox. The owner's public key must equal the
// device's signed-prekey public when one is on file, and an OPK is consumed
// from the owner's pool inside the same transaction: no OPK, no invite.
func (s *Store) CreateInvite(ctx context.Context, inviteID, ownerDigest, ownerDeviceID, ownerPublicKeyB64 string) (*InviteBundle, error) {
	out := &InviteBundle{InviteID: inviteID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		bundle := Bundle{DeviceID: ownerDeviceID}
		err := tx.QueryRowContext(ctx, `
			SELECT spk_id, spk_pub, spk_sig, COALESCE(ik_pub, '')
			FROM signed_prekeys
			WHERE account_digest = ? AND device_id = ?
			ORDER BY created_at DESC, spk_id DESC LIMIT 1`,
			ownerDigest, ownerDeviceID).Scan(&bundle.SPKID, &bundle.SPKPub, &bundle.SPKSig, &bundle.IKPub)
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.PrekeyUnavailable("signed prekey missing")
		}
		if err != nil {
			return err
		}
		if bundle.SPKPub != ownerPublicKeyB64 {
			return contracts.BadRequest("ownerPublicKeyB64 does not match published signed prekey")
		}
		if bundle.IKPub == "" {
			return contracts.PrekeyUnavailable("identity key missing")
		}
		opk, err := consumeOPKTx(ctx, tx, ownerDigest, ownerDeviceID, now)
		if err != nil {
			return err
		}
		bundle.OPK = *opk

		expiresAt := now + inviteWindowSeconds
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invite_dropbox
			    (invite_id, owner_account_digest, owner_device_id, owner_public_key_b64,
			     expires_at, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inviteID, ownerDigest, ownerDeviceID, ownerPublicKeyB64,
			expiresAt, InviteCreated, now, now); err != nil {
			if IsUniqueViolation(err) {
				return contracts.InviteAlreadyExists(inviteID)
			}
			return err
		}
		out.ExpiresAt = expiresAt
		out.Bundle = bundle
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return out, nil
}

func selectInviteTx(ctx context.Context, tx *sql.Tx, inviteID string) (*InviteRow, error) {
	row := &InviteRow{}
	var deliveredBy, deliveredDevice, ciphertext sql.NullString
	var deliveredAt, consumedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT invite_id, owner_account_digest, owner_device_id, owner_public_key_b64,
		       expires_at, status, delivered_by_account_digest, delivered_by_device_id,
		       delivered_at, consumed_at, ciphertext_json, created_at, updated_at
		FROM invite_dropbox WHERE invite_id = ?`, inviteID).Scan(
		&row.InviteID, &row.OwnerDigest, &row.OwnerDeviceID, &row.OwnerPublicKeyB64,
		&row.ExpiresAt, &row.Status, &deliveredBy, &deliveredDevice,
		&deliveredAt, &consumedAt, &ciphertext, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("invite not found")
	}
	if err != nil {
		return nil, err
	}
	row.DeliveredByDigest = deliveredBy.String
	row.DeliveredByDevice = deliveredDevice.String
	row.DeliveredAt = deliveredAt.Int64
	row.ConsumedAt = consumedAt.Int64
	if ciphertext.Valid {
		row.Ciphertext = json.RawMessage(ciphertext.String)
	}
	return row, nil
}

// promoteExpiredTx moves a past-window row to EXPIRED. CONSUMED is final
// and never demoted.
func promoteExpiredTx(ctx context.Context, tx *sql.Tx, row *InviteRow, now int64) error {
	if row.Status == InviteConsumed || row.Status == InviteExpired {
		return nil
	}
	if now < row.ExpiresAt {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE invite_dropbox SET status = ?, updated_at = ?
		WHERE invite_id = ? AND status NOT IN (?, ?)`,
		InviteExpired, now, row.InviteID, InviteConsumed, InviteExpired); err != nil {
		return err
	}
	row.Status = InviteExpired
	return nil
}

// DeliverInvite performs the single CREATED→DELIVERED transition. The
// envelope's expiresAt must equal the stored window, and the conditional
// UPDATE resolves a delivery race deterministically: zero rows means lost.
func (s *Store) DeliverInvite(ctx context.Context, inviteID, guestDigest, guestDeviceID string, envelopeRaw json.RawMessage, envelopeExpiresAt int64) (*InviteRow, error) {
	var out *InviteRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row, err := selectInviteTx(ctx, tx, inviteID)
		if err != nil {
			return err
		}
		if err := promoteExpiredTx(ctx, tx, row, now); err != nil {
			return err
		}
		if row.Status == InviteExpired {
			return contracts.Expired("invite expired")
		}
		if envelopeExpiresAt != row.ExpiresAt {
			return contracts.InviteEnvelopeInvalid("envelope expiresAt does not match invite window")
		}
		if row.Status != InviteCreated {
			return contracts.InviteAlreadyDelivered()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE invite_dropbox
			SET status = ?, delivered_by_account_digest = ?, delivered_by_device_id = ?,
			    delivered_at = ?, ciphertext_json = ?, updated_at = ?
			WHERE invite_id = ? AND status = ?`,
			InviteDelivered, guestDigest, guestDeviceID, now, string(envelopeRaw), now,
			inviteID, InviteCreated)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return contracts.InviteAlreadyDelivered()
		}
		row.Status = InviteDelivered
		row.DeliveredByDigest = guestDigest
		row.DeliveredByDevice = guestDeviceID
		row.DeliveredAt = now
		row.Ciphertext = envelopeRaw
		out = row
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return out, nil
}

// ConsumeInvite is owner-only and idempotent: a CONSUMED row hands the
// envelope back again.
func (s *Store) ConsumeInvite(ctx context.Context, inviteID, callerDigest string) (*InviteRow, error) {
	var out *InviteRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row, err := selectInviteTx(ctx, tx, inviteID)
		if err != nil {
			return err
		}
		if row.OwnerDigest != callerDigest {
			return contracts.Forbidden("only the invite owner may consume")
		}
		if row.Status == InviteConsumed {
			if len(row.Ciphertext) == 0 {
				return &contracts.Error{Status: 500, Code: contracts.CodePayloadMissing, Message: "consumed invite has no envelope"}
			}
			out = row
			return nil
		}
		if err := promoteExpiredTx(ctx, tx, row, now); err != nil {
			return err
		}
		if row.Status == InviteExpired {
			return contracts.Expired("invite expired")
		}
		if row.Status != InviteDelivered {
			return contracts.NotFound("invite has not been delivered")
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE invite_dropbox SET status = ?, consumed_at = ?, updated_at = ?
			WHERE invite_id = ? AND status = ?`,
			InviteConsumed, now, now, inviteID, InviteDelivered)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another owner session; re-read and return
			// the envelope the winner consumed.
			fresh, err := selectInviteTx(ctx, tx, inviteID)
			if err != nil {
				return err
			}
			if fresh.Status != InviteConsumed {
				return contracts.Conflict("invite state changed during consume")
			}
			out = fresh
			return nil
		}
		row.Status = InviteConsumed
		row.ConsumedAt = now
		out = row
		return nil
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return out, nil
}

// InviteStatus is readable by the owner or the original deliverer, and
// promotes expiry before replying.
func (s *Store) InviteStatus(ctx context.Context, inviteID, callerDigest string) (*InviteRow, error) {
	var out *InviteRow
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := selectInviteTx(ctx, tx, inviteID)
		if err != nil {
			return err
		}
		if row.OwnerDigest != callerDigest && row.DeliveredByDigest != callerDigest {
			return contracts.Forbidden("not a party to this invite")
		}
		if err := promoteExpiredTx(ctx, tx, row, s.now()); err != nil {
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
