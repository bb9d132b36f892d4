package httpapi

import (
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

// handleRedeem is the one-shot extension-token path. Signature
// verification over the token fields belongs to the issuing layer; this
// endpoint enforces single use and monotonic expiry.
func (s *Server) handleRedeem(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("digest", "accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid digest")
	}
	tokenID := p.str("tokenId", "token_id", "jti")
	if tokenID == "" {
		return nil, contracts.BadRequest("tokenId is required")
	}
	days, okDays := p.int64("durationDays", "duration_days", "extendDays", "extend_days")
	if !okDays || days < 1 {
		return nil, contracts.BadRequest("durationDays must be >= 1")
	}

	in := store.RedeemInput{
		Digest:       digest,
		TokenID:      tokenID,
		DurationDays: days,
		SignatureB64: p.str("signatureB64", "signature_b64"),
		KeyID:        p.str("keyId", "key_id"),
		Nonce:        p.str("nonce"),
		DryRun:       p.boolean("dryRun", "dry_run"),
	}
	if issued, okIssued := p.int64("issuedAt", "issued_at"); okIssued {
		in.IssuedAt = &issued
	}

	res, err := s.store.Redeem(r.Context(), in)
	if err != nil {
		return nil, err
	}
	if res.DryRun {
		return map[string]any{"dryRun": true, "expiresAt": res.ExpiresAt}, nil
	}
	return map[string]any{"ok": true, "expiresAt": res.ExpiresAt}, nil
}

func (s *Server) handleSubscriptionStatus(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(r.URL.Query().Get("digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid digest")
	}
	expiresAt, err := s.store.SubscriptionStatus(r.Context(), digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"digest": digest, "expiresAt": expiresAt}, nil
}

func (s *Server) handleTokenStatus(r *http.Request, p payload) (any, error) {
	tokenID := r.URL.Query().Get("tokenId")
	if tokenID == "" {
		return nil, contracts.BadRequest("tokenId is required")
	}
	return s.store.TokenStatusByID(r.Context(), tokenID)
}
