package store

import (
	"testing"

	"aim-chat/sync-server/internal/contracts"
)

func TestRedeemThenReplayIsTokenUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })

	res, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-1", DurationDays: 30})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.ExpiresAt != now+30*86400 {
		t.Fatalf("expected expiry now+30d, got %d", res.ExpiresAt)
	}

	// Replay fails and names the original burn, even from another account.
	other := s.UIDDigest("CCCC33334444DDDD")
	_, err = s.Redeem(ctx, RedeemInput{Digest: other, TokenID: "tok-1", DurationDays: 30})
	if code := errCode(t, err); code != contracts.CodeTokenUsed {
		t.Fatalf("expected TokenUsed, got %s", code)
	}
	meta := errMeta(t, err)
	if meta["used_at"] != now || meta["used_by_digest"] != digest {
		t.Fatalf("replay must report the winner's audit fields, got %v", meta)
	}

	status, err := s.TokenStatusByID(ctx, "tok-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != TokenUsedSt || status.UsedByDigest != digest {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRedeemExtendsFromCurrentExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })

	if _, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-1", DurationDays: 30}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	// Stacking before expiry extends from the stored expiry, not now.
	res, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-2", DurationDays: 30})
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if res.ExpiresAt != now+60*86400 {
		t.Fatalf("expected stacked expiry now+60d, got %d", res.ExpiresAt)
	}

	// After lapse the base resets to now.
	now = res.ExpiresAt + 1000
	res, err = s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-3", DurationDays: 30})
	if err != nil {
		t.Fatalf("third redeem: %v", err)
	}
	if res.ExpiresAt != now+30*86400 {
		t.Fatalf("lapsed base must reset to now, got %d", res.ExpiresAt)
	}

	expires, err := s.SubscriptionStatus(ctx, digest)
	if err != nil || expires != res.ExpiresAt {
		t.Fatalf("status %d %v, want %d", expires, err, res.ExpiresAt)
	}
}

func TestRedeemDryRunBurnsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })

	res, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-1", DurationDays: 7, DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun || res.ExpiresAt != now+7*86400 {
		t.Fatalf("unexpected dry-run result %+v", res)
	}

	if _, err := s.TokenStatusByID(ctx, "tok-1"); errCode(t, err) != contracts.CodeNotFound {
		t.Fatalf("dry run must not record the token")
	}
	if _, err := s.SubscriptionStatus(ctx, digest); errCode(t, err) != contracts.CodeNotFound {
		t.Fatalf("dry run must not create a subscription")
	}

	// The real redemption still goes through afterwards.
	if _, err := s.Redeem(ctx, RedeemInput{Digest: digest, TokenID: "tok-1", DurationDays: 7}); err != nil {
		t.Fatalf("live redeem after dry run: %v", err)
	}
}
