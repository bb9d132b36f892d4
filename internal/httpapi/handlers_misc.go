package httpapi

import (
	"encoding/json"
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

func (s *Server) handleDeletionCursor(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	minCounter, okCtr := p.int64("minCounter", "min_counter")
	if !okCtr || minCounter < 0 {
		return nil, contracts.BadRequest("minCounter must be a non-negative integer")
	}
	stored, err := s.store.AdvanceDeletionCursor(r.Context(), conv, digest, minCounter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "minCounter": stored}, nil
}

func (s *Server) handleDeletionLogAppend(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("ownerDigest", "owner_digest", "accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid ownerDigest")
	}
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	checkpoint := p.str("encryptedCheckpoint", "encrypted_checkpoint")
	if checkpoint == "" {
		return nil, contracts.BadRequest("encryptedCheckpoint is required")
	}
	return s.store.AppendDeletionLog(r.Context(), digest, conv, checkpoint)
}

func (s *Server) handleDeletionLogList(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	digest, ok := normalize.AccountDigest(q.Get("ownerDigest"))
	if !ok {
		digest, ok = normalize.AccountDigest(q.Get("accountDigest"))
	}
	if !ok {
		return nil, contracts.BadRequest("invalid ownerDigest")
	}
	conv, ok := normalize.ConversationID(q.Get("conversationId"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	entries, err := s.store.ListDeletionLog(r.Context(), digest, conv)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) handleDeviceUpsert(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	deviceID, ok := normalize.DeviceID(p.str("deviceId", "device_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	if err := s.store.UpsertDevice(r.Context(), digest, deviceID, p.str("label", "deviceLabel", "device_label")); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleDeviceCheck(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	digest, ok := normalize.AccountDigest(q.Get("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	deviceID, ok := normalize.DeviceID(q.Get("deviceId"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	return s.store.CheckDevice(r.Context(), digest, deviceID)
}

func (s *Server) handleDevicesActive(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	devices, err := s.store.ActiveDevices(r.Context(), digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"devices": devices}, nil
}

func (s *Server) handleCallSession(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("ownerDigest", "owner_digest", "accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid ownerDigest")
	}
	sessionID := p.str("sessionId", "session_id")
	if sessionID == "" {
		return nil, contracts.BadRequest("sessionId is required")
	}
	expiresAt, okExp := p.int64("expiresAt", "expires_at")
	if !okExp || expiresAt <= 0 {
		return nil, contracts.BadRequest("expiresAt must be unix seconds")
	}
	sess := store.CallSession{
		SessionID:   sessionID,
		OwnerDigest: digest,
		PayloadJSON: p.object("payload"),
		ExpiresAt:   expiresAt,
	}
	if raw := p.str("conversationId", "conversation_id"); raw != "" {
		if sess.ConversationID, ok = normalize.ConversationID(raw); !ok {
			return nil, contracts.BadRequest("invalid conversationId")
		}
	}
	if err := s.store.UpsertCallSession(r.Context(), sess); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCallEvents(r *http.Request, p payload) (any, error) {
	sessionID := p.str("sessionId", "session_id")
	if sessionID == "" {
		return nil, contracts.BadRequest("sessionId is required")
	}
	var eventFields []struct {
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
		ExpiresAt int64           `json:"expiresAt"`
	}
	if raw := p.raw("events"); raw != nil {
		if err := json.Unmarshal(raw, &eventFields); err != nil {
			return nil, contracts.BadRequest("events must be a list")
		}
	}
	events := make([]store.CallEvent, 0, len(eventFields))
	for _, f := range eventFields {
		if f.EventType == "" || f.ExpiresAt <= 0 {
			return nil, contracts.BadRequest("every event needs eventType and expiresAt")
		}
		events = append(events, store.CallEvent{
			EventType:   f.EventType,
			PayloadJSON: string(f.Payload),
			ExpiresAt:   f.ExpiresAt,
		})
	}
	live, err := s.store.AppendCallEvents(r.Context(), sessionID, events)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": live}, nil
}

func (s *Server) handleContactUpsert(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("ownerDigest", "owner_digest", "accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid ownerDigest")
	}
	contactID := p.str("contactId", "contact_id")
	if contactID == "" {
		return nil, contracts.BadRequest("contactId is required")
	}
	payloadJSON := p.object("payload")
	if payloadJSON == "" {
		return nil, contracts.BadRequest("payload is required")
	}
	if err := s.store.UpsertContact(r.Context(), digest, contactID, payloadJSON); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleContactsSnapshot(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(r.URL.Query().Get("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	contacts, err := s.store.ContactsSnapshot(r.Context(), digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contacts": contacts}, nil
}

func groupID(raw string) (string, error) {
	id, ok := normalize.ConversationID(raw)
	if !ok {
		return "", contracts.BadRequest("invalid groupId")
	}
	return id, nil
}

func groupMembers(p payload) ([]string, error) {
	var out []string
	for _, raw := range p.strings("members") {
		digest, ok := normalize.AccountDigest(raw)
		if !ok {
			return nil, contracts.BadRequest("invalid member digest")
		}
		out = append(out, digest)
	}
	return out, nil
}

func (s *Server) handleGroupCreate(r *http.Request, p payload) (any, error) {
	id, err := groupID(p.str("groupId", "group_id"))
	if err != nil {
		return nil, err
	}
	creator, ok := normalize.AccountDigest(p.str("creatorDigest", "creator_digest", "accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid creatorDigest")
	}
	members, err := groupMembers(p)
	if err != nil {
		return nil, err
	}
	return s.store.CreateGroup(r.Context(), id, creator, p.object("meta"), members)
}

func (s *Server) handleGroupMembersAdd(r *http.Request, p payload) (any, error) {
	id, err := groupID(p.str("groupId", "group_id"))
	if err != nil {
		return nil, err
	}
	caller, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	members, err := groupMembers(p)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, contracts.BadRequest("members is required")
	}
	if err := s.store.AddGroupMembers(r.Context(), id, caller, members); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGroupMembersRemove(r *http.Request, p payload) (any, error) {
	id, err := groupID(p.str("groupId", "group_id"))
	if err != nil {
		return nil, err
	}
	caller, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	members, err := groupMembers(p)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, contracts.BadRequest("members is required")
	}
	if err := s.store.RemoveGroupMembers(r.Context(), id, caller, members); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleGroupGet(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	id, err := groupID(q.Get("groupId"))
	if err != nil {
		return nil, err
	}
	caller, ok := normalize.AccountDigest(q.Get("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	return s.store.GetGroup(r.Context(), id, caller)
}

func (s *Server) handleConversationAuthorize(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	device := ""
	if raw := p.str("deviceId", "device_id"); raw != "" {
		if device, ok = normalize.DeviceID(raw); !ok {
			return nil, contracts.BadRequest("invalid deviceId")
		}
	}
	if err := s.store.AuthorizeConversation(r.Context(), conv, digest, device, p.str("role")); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleMediaUsage(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest", "ownerDigest", "owner_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	return s.store.MediaUsageFor(r.Context(), digest)
}
