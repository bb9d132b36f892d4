package store

import (
	"testing"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/testutil/keyfix"
)

func publishTestPrekeys(t *testing.T, s *Store, digest, device string, opkCount int) PublishInput {
	t.Helper()
	id := keyfix.NewIdentity(t)
	spkPub, spkSig := id.SignedPrekey(t)
	in := PublishInput{
		AccountDigest: digest,
		DeviceID:      device,
		SPKID:         1,
		SPKPub:        spkPub,
		SPKSig:        spkSig,
		IKPub:         id.PubB64(),
	}
	for i, pub := range keyfix.OPKs(t, opkCount) {
		in.OPKs = append(in.OPKs, OneTimePrekey{ID: int64(i + 1), Pub: pub})
	}
	next, err := s.PublishPrekeys(t.Context(), in)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if next != int64(opkCount)+1 {
		t.Fatalf("expected next_opk_id %d, got %d", opkCount+1, next)
	}
	return in
}

func TestBundleFetchConsumesLowestOPKOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")
	publishTestPrekeys(t, s, digest, "dev-1", 2)

	// S5: two OPKs, three fetches. Two succeed with distinct ids, lowest
	// first; the third fails.
	first, err := s.FetchBundle(ctx, digest, "dev-1")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.OPK.ID != 1 {
		t.Fatalf("first fetch must consume opk 1, got %d", first.OPK.ID)
	}
	second, err := s.FetchBundle(ctx, digest, "dev-1")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.OPK.ID != 2 {
		t.Fatalf("second fetch must consume opk 2, got %d", second.OPK.ID)
	}

	_, err = s.FetchBundle(ctx, digest, "dev-1")
	if code := errCode(t, err); code != contracts.CodePrekeyUnavailable {
		t.Fatalf("exhausted pool must be PrekeyUnavailable, got %s", code)
	}
	if msg := err.Error(); msg != "PrekeyUnavailable: one-time prekey missing" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestBundleFetchWithoutSignedPrekey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FetchBundle(t.Context(), s.UIDDigest("AAAA11112222BBBB"), "")
	if code := errCode(t, err); code != contracts.CodePrekeyUnavailable {
		t.Fatalf("expected PrekeyUnavailable, got %s", code)
	}
}

func TestPublishDoesNotRotateIdentityKey(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")
	first := publishTestPrekeys(t, s, digest, "dev-1", 1)

	// Re-publish the same spk slot with a different identity key: the
	// stored ik_pub must not change.
	other := keyfix.NewIdentity(t)
	spkPub, spkSig := other.SignedPrekey(t)
	if _, err := s.PublishPrekeys(ctx, PublishInput{
		AccountDigest: digest,
		DeviceID:      "dev-1",
		SPKID:         1,
		SPKPub:        spkPub,
		SPKSig:        spkSig,
		IKPub:         other.PubB64(),
	}); err != nil {
		t.Fatalf("re-publish: %v", err)
	}

	bundle, err := s.FetchBundle(ctx, digest, "dev-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.IKPub != first.IKPub {
		t.Fatalf("identity key must not rotate through publish")
	}
	if bundle.SPKPub != spkPub {
		t.Fatalf("signed prekey must be replaced")
	}
}

func TestBundleFetchPicksMostRecentDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })
	publishTestPrekeys(t, s, digest, "dev-old", 1)
	now += 100
	publishTestPrekeys(t, s, digest, "dev-new", 1)

	bundle, err := s.FetchBundle(ctx, digest, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if bundle.DeviceID != "dev-new" {
		t.Fatalf("unspecified device must pick the most recently updated, got %s", bundle.DeviceID)
	}
}
