package httpapi

import (
	"net/http"
	"strconv"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

// parseMessageInput normalizes the shared append fields and cross-checks
// the header against the claimed sender device.
func parseMessageInput(p payload) (store.MessageInput, *normalize.MessageHeader, error) {
	var in store.MessageInput
	var ok bool

	if in.ConversationID, ok = normalize.ConversationID(p.str("conversationId", "conversation_id")); !ok {
		return in, nil, contracts.BadRequest("invalid conversationId")
	}
	if in.SenderDigest, ok = normalize.AccountDigest(p.str("senderAccountDigest", "sender_account_digest", "senderDigest")); !ok {
		return in, nil, contracts.BadRequest("invalid senderAccountDigest")
	}
	if in.SenderDevice, ok = normalize.DeviceID(p.str("senderDeviceId", "sender_device_id")); !ok {
		return in, nil, contracts.BadRequest("invalid senderDeviceId")
	}
	if in.ReceiverDigest, ok = normalize.AccountDigest(p.str("receiverAccountDigest", "receiver_account_digest", "receiverDigest")); !ok {
		return in, nil, contracts.BadRequest("invalid receiverAccountDigest")
	}
	if raw := p.str("receiverDeviceId", "receiver_device_id"); raw != "" {
		if in.ReceiverDevice, ok = normalize.DeviceID(raw); !ok {
			return in, nil, contracts.BadRequest("invalid receiverDeviceId")
		}
	}
	if in.ID, ok = normalize.MessageID(p.str("id", "messageId", "message_id")); !ok {
		return in, nil, contracts.BadRequest("invalid message id")
	}

	headerRaw := p.raw("header", "headerJson", "header_json")
	header, err := normalize.ParseMessageHeader(headerRaw)
	if err != nil {
		return in, nil, err
	}
	if header.DeviceID != in.SenderDevice {
		return in, nil, contracts.BadRequest("header device_id does not match senderDeviceId")
	}
	in.HeaderJSON = string(headerRaw)

	in.CiphertextB64 = p.str("ciphertextB64", "ciphertext_b64", "ciphertext")
	if !normalize.IsBase64(in.CiphertextB64) {
		return in, nil, contracts.BadRequest("ciphertextB64 is not base64")
	}

	ctrRaw, okCtr := p.int64("counter", "ctr")
	if !okCtr {
		return in, nil, contracts.BadRequest("counter is required")
	}
	if in.Counter, ok = normalize.Counter(ctrRaw); !ok {
		return in, nil, contracts.BadRequest("counter must be >= 1")
	}
	if ts, okTS := p.int64("ts", "createdAt", "created_at"); okTS && ts > 0 {
		in.TS = &ts
	}
	return in, header, nil
}

func (s *Server) handleMessagePost(r *http.Request, p payload) (any, error) {
	in, _, err := parseMessageInput(p)
	if err != nil {
		return nil, err
	}
	res, err := s.store.InsertMessage(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "createdAt": res.CreatedAt, "duplicate": res.Duplicate}, nil
}

func (s *Server) handleMessageList(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	conv, ok := normalize.ConversationID(q.Get("conversationId"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	in := store.ListInput{ConversationID: conv}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, contracts.BadRequest("invalid limit")
		}
		in.Limit = n
	}
	if raw := q.Get("cursorCounter"); raw != "" {
		n, ok := normalize.Counter(raw)
		if !ok {
			return nil, contracts.BadRequest("invalid cursorCounter")
		}
		in.CursorCounter = &n
		in.CursorID = q.Get("cursorId")
	}
	if raw := q.Get("requesterDigest"); raw != "" {
		digest, ok := normalize.AccountDigest(raw)
		if !ok {
			return nil, contracts.BadRequest("invalid requesterDigest")
		}
		in.RequesterDigest = digest
	}

	res, err := s.store.ListMessages(r.Context(), in)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"messages": res.Messages,
		"hasMore":  res.HasMore,
	}
	if res.NextCounter != nil {
		out["nextCounter"] = *res.NextCounter
		out["nextId"] = res.NextMessageID
	}

	if q.Get("includeKeys") == "true" && in.RequesterDigest != "" {
		keys := map[string]any{}
		for _, m := range res.Messages {
			row, err := s.store.GetVaultByMessage(r.Context(), in.RequesterDigest, conv, m.ID, m.SenderDevice)
			if err != nil {
				continue
			}
			keys[m.ID] = row
		}
		out["wrappedKeys"] = keys
	}
	return out, nil
}

func (s *Server) handleMessagesByCounter(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	conv, ok := normalize.ConversationID(q.Get("conversationId"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	counter, ok := normalize.Counter(q.Get("counter"))
	if !ok {
		return nil, contracts.BadRequest("invalid counter")
	}
	senderDevice := ""
	if raw := q.Get("senderDeviceId"); raw != "" {
		if senderDevice, ok = normalize.DeviceID(raw); !ok {
			return nil, contracts.BadRequest("invalid senderDeviceId")
		}
	}
	rows, err := s.store.MessagesByCounter(r.Context(), conv, senderDevice, counter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": rows}, nil
}

func (s *Server) handleMaxCounter(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	digest, ok := normalize.AccountDigest(p.str("senderAccountDigest", "sender_account_digest", "accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid senderAccountDigest")
	}
	device, ok := normalize.DeviceID(p.str("senderDeviceId", "sender_device_id", "deviceId"))
	if !ok {
		return nil, contracts.BadRequest("invalid senderDeviceId")
	}
	maxCounter, err := s.store.MaxCounter(r.Context(), conv, digest, device)
	if err != nil {
		return nil, err
	}
	return map[string]any{"maxCounter": maxCounter}, nil
}

func (s *Server) handleAtomicSend(r *http.Request, p payload) (any, error) {
	msgRaw := p.raw("message", "msg")
	vaultRaw := p.raw("vault")
	if msgRaw == nil || vaultRaw == nil {
		return nil, contracts.BadRequest("message and vault sections are required")
	}
	msgP, err := parsePayload(msgRaw)
	if err != nil {
		return nil, contracts.BadRequest("message section is not an object")
	}
	vaultP, err := parsePayload(vaultRaw)
	if err != nil {
		return nil, contracts.BadRequest("vault section is not an object")
	}

	msg, header, err := parseMessageInput(msgP)
	if err != nil {
		return nil, err
	}
	if header.Counter != msg.Counter {
		return nil, contracts.BadRequest("header counter does not match message counter")
	}

	vault, err := parseVaultPut(vaultP)
	if err != nil {
		return nil, err
	}
	if vault.ConversationID != msg.ConversationID ||
		vault.MessageID != msg.ID ||
		vault.SenderDeviceID != msg.SenderDevice {
		return nil, contracts.BadRequest("vault does not reference the message being sent")
	}

	var backup *store.BackupInput
	if backupRaw := p.raw("backup"); backupRaw != nil {
		backupP, err := parsePayload(backupRaw)
		if err != nil {
			return nil, contracts.BadRequest("backup section is not an object")
		}
		b, err := parseBackupInput(backupP)
		if err != nil {
			return nil, err
		}
		if b.AccountDigest != msg.SenderDigest {
			return nil, contracts.BadRequest("backup accountDigest does not match sender")
		}
		backup = &b
	}

	res, err := s.store.AtomicSend(r.Context(), msg, vault, backup)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"ok": true, "createdAt": res.CreatedAt}
	if res.BackupVersion != nil {
		out["backupVersion"] = *res.BackupVersion
	}
	return out, nil
}

func (s *Server) handleSendState(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	msgID, ok := normalize.MessageID(p.str("messageId", "message_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid messageId")
	}
	digest, ok := normalize.AccountDigest(p.str("senderAccountDigest", "sender_account_digest", "accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid senderAccountDigest")
	}
	state := p.object("state", "sendState", "send_state")
	if state == "" {
		return nil, contracts.BadRequest("state is required")
	}
	if err := s.store.UpsertSendState(r.Context(), conv, msgID, digest, state); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleOutgoingStatus(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	msgID, ok := normalize.MessageID(p.str("messageId", "message_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid messageId")
	}
	digest, ok := normalize.AccountDigest(p.str("senderAccountDigest", "sender_account_digest", "accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid senderAccountDigest")
	}
	state, updatedAt, err := s.store.SendState(r.Context(), conv, msgID, digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": rawOrNull(state), "updatedAt": updatedAt}, nil
}

func (s *Server) handleDeleteConversation(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	deleted, err := s.store.DeleteConversation(r.Context(), conv)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deleted": deleted}, nil
}

func (s *Server) handleMessageDelete(r *http.Request, p payload) (any, error) {
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	msgID, ok := normalize.MessageID(p.str("messageId", "message_id", "id"))
	if !ok {
		return nil, contracts.BadRequest("invalid messageId")
	}
	digest, ok := normalize.AccountDigest(p.str("senderAccountDigest", "sender_account_digest", "accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid senderAccountDigest")
	}
	deleted, err := s.store.DeleteMessage(r.Context(), conv, msgID, digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deleted": deleted}, nil
}
