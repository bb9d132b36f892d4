package store

import (
	"fmt"
	"testing"

	"aim-chat/sync-server/internal/contracts"
)

func backupPayload(withDrState int64) string {
	return fmt.Sprintf(`{"meta":{"withDrState":%d},"blob":"b3BhcXVl"}`, withDrState)
}

func TestBackupRegressionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	first, err := s.WriteBackup(ctx, BackupInput{AccountDigest: digest, PayloadJSON: backupPayload(3)})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("server-chosen version must start at 1, got %d", first.Version)
	}

	// A smaller ratchet snapshot is a stale device; reject.
	_, err = s.WriteBackup(ctx, BackupInput{AccountDigest: digest, PayloadJSON: backupPayload(2)})
	if code := errCode(t, err); code != contracts.CodeContactSecretsBackupRejected {
		t.Fatalf("expected ContactSecretsBackupRejected, got %s", code)
	}

	// Equal or larger is accepted.
	second, err := s.WriteBackup(ctx, BackupInput{AccountDigest: digest, PayloadJSON: backupPayload(3)})
	if err != nil {
		t.Fatalf("equal write: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version must advance to 2, got %d", second.Version)
	}
}

func TestBackupRetentionTrimsToFive(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	for i := int64(1); i <= 7; i++ {
		if _, err := s.WriteBackup(ctx, BackupInput{AccountDigest: digest, PayloadJSON: backupPayload(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	rows, err := s.ReadBackups(ctx, digest, 10, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("retention must keep 5 rows, got %d", len(rows))
	}
	if rows[0].Version != 7 {
		t.Fatalf("newest row first, got version %d", rows[0].Version)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Version >= rows[i-1].Version {
			t.Fatalf("rows must be ordered newest first")
		}
	}
}

func TestBackupReadSpecificVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	digest := s.UIDDigest("AAAA11112222BBBB")

	clientVersion := int64(42)
	if _, err := s.WriteBackup(ctx, BackupInput{
		AccountDigest: digest,
		Version:       &clientVersion,
		PayloadJSON:   backupPayload(1),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	rows, err := s.ReadBackups(ctx, digest, 0, &clientVersion)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0].Version != 42 {
		t.Fatalf("expected the v42 row, got %+v", rows)
	}

	missing := int64(7)
	rows, err = s.ReadBackups(ctx, digest, 0, &missing)
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("missing version must return no rows")
	}
}
