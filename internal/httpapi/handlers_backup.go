package httpapi

import (
	"net/http"
	"strconv"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

// parseBackupInput normalizes a contact-secret backup write. Shared with
// atomic-send, where the version is always server-chosen.
func parseBackupInput(p payload) (store.BackupInput, error) {
	var in store.BackupInput
	var ok bool

	if in.AccountDigest, ok = normalize.AccountDigest(p.str("accountDigest", "account_digest")); !ok {
		return in, contracts.BadRequest("invalid accountDigest")
	}
	in.PayloadJSON = p.object("payload", "backup")
	if in.PayloadJSON == "" {
		return in, contracts.BadRequest("payload is required")
	}
	if v, okV := p.int64("version"); okV {
		if v < 1 {
			return in, contracts.BadRequest("version must be >= 1")
		}
		in.Version = &v
	}
	if v, okV := p.int64("snapshotVersion", "snapshot_version"); okV {
		in.SnapshotVersion = &v
	}
	if v, okV := p.int64("entries"); okV {
		in.Entries = &v
	}
	if v, okV := p.int64("bytes"); okV {
		in.Bytes = &v
	}
	in.Checksum = p.str("checksum")
	in.DeviceLabel = p.str("deviceLabel", "device_label")
	if raw := p.str("deviceId", "device_id"); raw != "" {
		if in.DeviceID, ok = normalize.DeviceID(raw); !ok {
			return in, contracts.BadRequest("invalid deviceId")
		}
	}
	return in, nil
}

func (s *Server) handleBackupWrite(r *http.Request, p payload) (any, error) {
	in, err := parseBackupInput(p)
	if err != nil {
		return nil, err
	}
	row, err := s.store.WriteBackup(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "version": row.Version, "updatedAt": row.UpdatedAt}, nil
}

func (s *Server) handleBackupRead(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	digest, ok := normalize.AccountDigest(q.Get("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, contracts.BadRequest("invalid limit")
		}
		limit = n
	}
	var version *int64
	if raw := q.Get("version"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return nil, contracts.BadRequest("invalid version")
		}
		version = &n
	}
	rows, err := s.store.ReadBackups(r.Context(), digest, limit, version)
	if err != nil {
		return nil, err
	}
	return map[string]any{"backups": rows}, nil
}

func (s *Server) handleContactDelete(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest", "ownerDigest", "owner_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	contactID := p.str("contactId", "contact_id")
	if contactID == "" {
		return nil, contracts.BadRequest("contactId is required")
	}
	conv := ""
	if raw := p.str("conversationId", "conversation_id"); raw != "" {
		if conv, ok = normalize.ConversationID(raw); !ok {
			return nil, contracts.BadRequest("invalid conversationId")
		}
	}
	deleted, err := s.store.DeleteContact(r.Context(), digest, contactID, conv,
		p.str("encryptedCheckpoint", "encrypted_checkpoint"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deleted": deleted}, nil
}
