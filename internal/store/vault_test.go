package store

import (
	"fmt"
	"testing"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
)

func wrappedKeyJSON() string {
	return `{"v":1,"aead":"aes-256-gcm","info":"message-key/v1","salt":"c2FsdA","iv":"aXY","ct":"Y3Q"}`
}

func wrapContextJSON(messageID string, counter int64, direction string) string {
	return fmt.Sprintf(
		`{"conversationId":"%s","messageId":"%s","senderDeviceId":"dev-1","targetDeviceId":"dev-2","direction":"%s","headerCounter":%d}`,
		testConv, messageID, direction, counter)
}

func vaultPut(digest, messageID string, counter int64, direction, snapshot string) VaultPut {
	return VaultPut{
		AccountDigest:   digest,
		ConversationID:  testConv,
		MessageID:       messageID,
		SenderDeviceID:  "dev-1",
		TargetDeviceID:  "dev-2",
		Direction:       direction,
		HeaderCounter:   &counter,
		WrappedMKJSON:   wrappedKeyJSON(),
		WrapContextJSON: wrapContextJSON(messageID, counter, direction),
		DRStateSnapshot: snapshot,
	}
}

func TestVaultPutAndLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000001", 5, normalize.DirectionIncoming, "")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Duplicate put is silently absorbed.
	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000001", 5, normalize.DirectionIncoming, "")); err != nil {
		t.Fatalf("duplicate put: %v", err)
	}

	byMsg, err := s.GetVaultByMessage(ctx, digest, testConv, "msg-00000001", "dev-1")
	if err != nil {
		t.Fatalf("get by message: %v", err)
	}
	if byMsg.HeaderCounter == nil || *byMsg.HeaderCounter != 5 {
		t.Fatalf("unexpected header counter: %+v", byMsg)
	}

	byCtr, err := s.GetVaultByCounter(ctx, digest, testConv, 5, "dev-1")
	if err != nil {
		t.Fatalf("get by counter: %v", err)
	}
	if byCtr.MessageID != "msg-00000001" {
		t.Fatalf("counter lookup found the wrong row: %+v", byCtr)
	}

	_, err = s.GetVaultByMessage(ctx, digest, testConv, "msg-missing1", "dev-1")
	if code := errCode(t, err); code != contracts.CodeNotFound {
		t.Fatalf("missing row must be NotFound, got %s", code)
	}
}

func TestVaultLatestStatePerDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	now := int64(1_700_000_000)
	s.SetNowFunc(func() int64 { return now })

	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000001", 1, normalize.DirectionOutgoing, `{"dr":"old"}`)); err != nil {
		t.Fatalf("put old outgoing: %v", err)
	}
	now += 10
	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000002", 2, normalize.DirectionOutgoing, `{"dr":"new"}`)); err != nil {
		t.Fatalf("put new outgoing: %v", err)
	}
	now += 10
	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000003", 3, normalize.DirectionIncoming, `{"dr":"in"}`)); err != nil {
		t.Fatalf("put incoming: %v", err)
	}
	// A row without a snapshot never wins latest-state.
	now += 10
	if err := s.PutVault(ctx, vaultPut(digest, "msg-00000004", 4, normalize.DirectionOutgoing, "")); err != nil {
		t.Fatalf("put snapshotless: %v", err)
	}

	state, err := s.LatestVaultState(ctx, digest, testConv, "")
	if err != nil {
		t.Fatalf("latest state: %v", err)
	}
	if state.Outgoing == nil || state.Outgoing.MessageID != "msg-00000002" {
		t.Fatalf("outgoing must be the newest snapshot-bearing row: %+v", state.Outgoing)
	}
	if state.Incoming == nil || state.Incoming.MessageID != "msg-00000003" {
		t.Fatalf("incoming must be msg-00000003: %+v", state.Incoming)
	}
}

func TestVaultDeleteAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	for i := int64(1); i <= 3; i++ {
		if err := s.PutVault(ctx, vaultPut(digest, fmt.Sprintf("msg-%08d", i), i, normalize.DirectionIncoming, "")); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	count, err := s.CountVault(ctx, digest, testConv)
	if err != nil || count != 3 {
		t.Fatalf("count: n=%d err=%v", count, err)
	}
	deleted, err := s.DeleteVault(ctx, digest, testConv, "msg-00000002")
	if err != nil || deleted != 1 {
		t.Fatalf("delete: n=%d err=%v", deleted, err)
	}
	count, err = s.CountVault(ctx, digest, testConv)
	if err != nil || count != 2 {
		t.Fatalf("count after delete: n=%d err=%v", count, err)
	}
}
