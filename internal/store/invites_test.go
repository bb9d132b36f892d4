package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"aim-chat/sync-server/internal/contracts"
)

func inviteEnvelope(expiresAt int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"v":1,"aead":"aes-256-gcm","info":"contact-init/dropbox/v1","sealed":{"eph_pub_b64":"ZXBo","iv_b64":"aXY","ct_b64":"Y3Q"},"createdAt":1,"expiresAt":%d}`,
		expiresAt))
}

func setupInvite(t *testing.T, s *Store) (owner, guest string, bundle *InviteBundle) {
	t.Helper()
	owner = s.UIDDigest("AAAA11112222BBBB")
	guest = s.UIDDigest("CCCC33334444DDDD")
	in := publishTestPrekeys(t, s, owner, "dev-1", 2)
	bundle, err := s.CreateInvite(t.Context(), "inv-00000001", owner, "dev-1", in.SPKPub)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	return owner, guest, bundle
}

func TestInviteLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	owner, guest, bundle := setupInvite(t, s)

	if bundle.Bundle.OPK.ID != 1 {
		t.Fatalf("create must bind a consumed OPK, got %d", bundle.Bundle.OPK.ID)
	}

	env := inviteEnvelope(bundle.ExpiresAt)
	row, err := s.DeliverInvite(ctx, "inv-00000001", guest, "dev-9", env, bundle.ExpiresAt)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if row.Status != InviteDelivered {
		t.Fatalf("expected DELIVERED, got %s", row.Status)
	}

	// Second deliver loses.
	_, err = s.DeliverInvite(ctx, "inv-00000001", guest, "dev-9", env, bundle.ExpiresAt)
	if code := errCode(t, err); code != contracts.CodeInviteAlreadyDelivered {
		t.Fatalf("second deliver: expected InviteAlreadyDelivered, got %s", code)
	}

	consumed, err := s.ConsumeInvite(ctx, "inv-00000001", owner)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(consumed.Ciphertext) != string(env) {
		t.Fatalf("consume must return the exact delivered envelope")
	}

	// Idempotent second consume.
	again, err := s.ConsumeInvite(ctx, "inv-00000001", owner)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if string(again.Ciphertext) != string(env) {
		t.Fatalf("second consume must return the same envelope")
	}
}

func TestInviteDeliverWindowMismatch(t *testing.T) {
	s := newTestStore(t)
	_, guest, bundle := setupInvite(t, s)

	_, err := s.DeliverInvite(t.Context(), "inv-00000001", guest, "dev-9",
		inviteEnvelope(bundle.ExpiresAt+1), bundle.ExpiresAt+1)
	if code := errCode(t, err); code != contracts.CodeInviteEnvelopeInvalid {
		t.Fatalf("expected InviteEnvelopeInvalid, got %s", code)
	}
}

func TestInviteConsumeAuthorization(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	_, guest, bundle := setupInvite(t, s)

	if _, err := s.DeliverInvite(ctx, "inv-00000001", guest, "dev-9",
		inviteEnvelope(bundle.ExpiresAt), bundle.ExpiresAt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_, err := s.ConsumeInvite(ctx, "inv-00000001", guest)
	if code := errCode(t, err); code != contracts.CodeForbidden {
		t.Fatalf("guest consume must be Forbidden, got %s", code)
	}
}

func TestInviteExpiryPromotion(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })
	owner, guest, bundle := setupInvite(t, s)

	now = bundle.ExpiresAt
	_, err := s.DeliverInvite(ctx, "inv-00000001", guest, "dev-9",
		inviteEnvelope(bundle.ExpiresAt), bundle.ExpiresAt)
	if code := errCode(t, err); code != contracts.CodeExpired {
		t.Fatalf("deliver at the window edge must be Expired, got %s", code)
	}

	row, err := s.InviteStatus(ctx, "inv-00000001", owner)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if row.Status != InviteExpired {
		t.Fatalf("expired row must stay EXPIRED, got %s", row.Status)
	}
}

func TestInviteCreateRequiresOPKAndMatchingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	owner := s.UIDDigest("AAAA11112222BBBB")
	in := publishTestPrekeys(t, s, owner, "dev-1", 1)

	// Wrong public key.
	_, err := s.CreateInvite(ctx, "inv-00000002", owner, "dev-1", "bm90LXRoZS1rZXk")
	if code := errCode(t, err); code != contracts.CodeBadRequest {
		t.Fatalf("key mismatch must be BadRequest, got %s", code)
	}

	// Drain the single OPK, then create must fail.
	if _, err := s.FetchBundle(ctx, owner, "dev-1"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	_, err = s.CreateInvite(ctx, "inv-00000003", owner, "dev-1", in.SPKPub)
	if code := errCode(t, err); code != contracts.CodePrekeyUnavailable {
		t.Fatalf("no OPK must fail create, got %s", code)
	}
}

func TestInviteDuplicateID(t *testing.T) {
	s := newTestStore(t)
	owner := s.UIDDigest("AAAA11112222BBBB")
	in := publishTestPrekeys(t, s, owner, "dev-1", 3)

	if _, err := s.CreateInvite(t.Context(), "inv-00000001", owner, "dev-1", in.SPKPub); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.CreateInvite(t.Context(), "inv-00000001", owner, "dev-1", in.SPKPub)
	if code := errCode(t, err); code != contracts.CodeInviteAlreadyExists {
		t.Fatalf("expected InviteAlreadyExists, got %s", code)
	}
}
