package store

import (
	"context"
	"database/sql"
	"errors"

	"aim-chat/sync-server/internal/contracts"
)

// Token states.
const (
	TokenIssued  = "issued"
	TokenUsedSt  = "used"
	TokenInvalid = "invalid"
)

// RedeemInput is one extension-token redemption. Signature verification
// over the token fields happens at the boundary; this layer enforces
// at-most-once use and monotonic expiry.
type RedeemInput struct {
	Digest       string
	TokenID      string
	DurationDays int64
	SignatureB64 string
	KeyID        string
	IssuedAt     *int64
	Nonce        string
	DryRun       bool
}

// RedeemResult is the tagged outcome serialized at the boundary.
type RedeemResult struct {
	DryRun    bool
	ExpiresAt int64
}

// Redeem applies the extension: newExpires = max(currentExpires, now) +
// days. Live path batches the subscription upsert, the token burn, and the
// audit append; all three commit or none do. A concurrently burned token
// surfaces as TokenUsed with the winner's audit fields.
func (s *Store) Redeem(ctx context.Context, in RedeemInput) (*RedeemResult, error) {
	out := &RedeemResult{DryRun: in.DryRun}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var status string
		var usedAt sql.NullInt64
		var usedBy sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT status, used_at, used_by_digest FROM tokens WHERE token_id = ?`,
			in.TokenID).Scan(&status, &usedAt, &usedBy)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && status == TokenUsedSt {
			return contracts.TokenUsed(usedAt.Int64, usedBy.String)
		}

		var currentExpires int64
		err = tx.QueryRowContext(ctx, `
			SELECT expires_at FROM subscriptions WHERE digest = ?`,
			in.Digest).Scan(&currentExpires)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		base := currentExpires
		if now > base {
			base = now
		}
		out.ExpiresAt = base + in.DurationDays*86400

		if in.DryRun {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (digest, expires_at, updated_at, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (digest)
			DO UPDATE SET expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			in.Digest, out.ExpiresAt, now, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tokens
			    (token_id, digest, issued_at, extend_days, nonce, key_id, signature_b64,
			     status, used_at, used_by_digest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (token_id)
			DO UPDATE SET status = ?, used_at = ?, used_by_digest = ?
			WHERE tokens.status != ?`,
			in.TokenID, in.Digest, nullInt64(in.IssuedAt), in.DurationDays,
			nullString(in.Nonce), nullString(in.KeyID), nullString(in.SignatureB64),
			TokenUsedSt, now, in.Digest, now,
			TokenUsedSt, now, in.Digest, TokenUsedSt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the burn race; report the winner's audit fields.
			var raceUsedAt sql.NullInt64
			var raceUsedBy sql.NullString
			if err := tx.QueryRowContext(ctx, `
				SELECT used_at, used_by_digest FROM tokens WHERE token_id = ?`,
				in.TokenID).Scan(&raceUsedAt, &raceUsedBy); err != nil {
				return err
			}
			return contracts.TokenUsed(raceUsedAt.Int64, raceUsedBy.String)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO extend_logs (token_id, digest, extend_days, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			in.TokenID, in.Digest, in.DurationDays, out.ExpiresAt, now)
		return err
	})
	if err != nil {
		return nil, asDomainError(err)
	}
	return out, nil
}

// SubscriptionStatus returns the current expiry, or NotFound.
func (s *Store) SubscriptionStatus(ctx context.Context, digest string) (int64, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM subscriptions WHERE digest = ?`, digest).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, contracts.NotFound("subscription not found")
	}
	return expiresAt, asDomainError(err)
}

// TokenStatus reports a token's burn state for client reconciliation.
type TokenStatus struct {
	TokenID      string `json:"tokenId"`
	Status       string `json:"status"`
	UsedAt       int64  `json:"usedAt,omitempty"`
	UsedByDigest string `json:"usedByDigest,omitempty"`
}

func (s *Store) TokenStatusByID(ctx context.Context, tokenID string) (*TokenStatus, error) {
	out := &TokenStatus{TokenID: tokenID}
	var usedAt sql.NullInt64
	var usedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT status, used_at, used_by_digest FROM tokens WHERE token_id = ?`,
		tokenID).Scan(&out.Status, &usedAt, &usedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("token not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	out.UsedAt = usedAt.Int64
	out.UsedByDigest = usedBy.String
	return out, nil
}
