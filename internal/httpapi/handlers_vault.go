package httpapi

import (
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

// parseVaultPut validates a vault write end to end: identifiers, the
// wrapped envelope's fixed format, and the wrap context's binding to the
// surrounding request. Shared by vault/put and atomic-send.
func parseVaultPut(p payload) (store.VaultPut, error) {
	var in store.VaultPut
	var ok bool

	if in.AccountDigest, ok = normalize.AccountDigest(p.str("accountDigest", "account_digest")); !ok {
		return in, contracts.BadRequest("invalid accountDigest")
	}
	if in.ConversationID, ok = normalize.ConversationID(p.str("conversationId", "conversation_id")); !ok {
		return in, contracts.BadRequest("invalid conversationId")
	}
	if in.MessageID, ok = normalize.MessageID(p.str("messageId", "message_id")); !ok {
		return in, contracts.BadRequest("invalid messageId")
	}
	if in.SenderDeviceID, ok = normalize.DeviceID(p.str("senderDeviceId", "sender_device_id")); !ok {
		return in, contracts.BadRequest("invalid senderDeviceId")
	}
	if in.TargetDeviceID, ok = normalize.DeviceID(p.str("targetDeviceId", "target_device_id")); !ok {
		return in, contracts.BadRequest("invalid targetDeviceId")
	}
	switch p.str("direction") {
	case normalize.DirectionIncoming:
		in.Direction = normalize.DirectionIncoming
	case normalize.DirectionOutgoing:
		in.Direction = normalize.DirectionOutgoing
	default:
		return in, contracts.BadRequest("direction must be incoming or outgoing")
	}
	in.MsgType = p.str("msgType", "msg_type")
	if ctr, okCtr := p.int64("headerCounter", "header_counter"); okCtr {
		n, okN := normalize.Counter(ctr)
		if !okN {
			return in, contracts.BadRequest("invalid headerCounter")
		}
		in.HeaderCounter = &n
	}

	wrappedRaw := p.raw("wrappedMk", "wrapped_mk", "wrappedKey", "wrapped_key")
	if _, err := normalize.ParseWrappedKeyEnvelope(wrappedRaw); err != nil {
		return in, err
	}
	in.WrappedMKJSON = string(wrappedRaw)

	ctxRaw := p.raw("wrapContext", "wrap_context")
	wrapCtx, err := normalize.ParseWrapContext(ctxRaw)
	if err != nil {
		return in, err
	}
	if err := wrapCtx.MatchesMessage(in.ConversationID, in.MessageID, in.SenderDeviceID); err != nil {
		return in, err
	}
	if wrapCtx.TargetDeviceID != in.TargetDeviceID {
		return in, contracts.InvalidWrapContext("wrap context targetDeviceId mismatch")
	}
	if wrapCtx.Direction != in.Direction {
		return in, contracts.InvalidWrapContext("wrap context direction mismatch")
	}
	if wrapCtx.MsgType != "" && in.MsgType != "" && wrapCtx.MsgType != in.MsgType {
		return in, contracts.InvalidWrapContext("wrap context msgType mismatch")
	}
	if wrapCtx.HeaderCounter != nil && in.HeaderCounter != nil && *wrapCtx.HeaderCounter != *in.HeaderCounter {
		return in, contracts.InvalidWrapContext("wrap context headerCounter mismatch")
	}
	in.WrapContextJSON = string(ctxRaw)

	in.DRStateSnapshot = p.object("drStateSnapshot", "dr_state_snapshot", "drState", "dr_state")
	return in, nil
}

func (s *Server) handleVaultPut(r *http.Request, p payload) (any, error) {
	in, err := parseVaultPut(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutVault(r.Context(), in); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleVaultGet(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}

	if raw := p.str("messageId", "message_id"); raw != "" {
		msgID, ok := normalize.MessageID(raw)
		if !ok {
			return nil, contracts.BadRequest("invalid messageId")
		}
		senderDevice, ok := normalize.DeviceID(p.str("senderDeviceId", "sender_device_id"))
		if !ok {
			return nil, contracts.BadRequest("invalid senderDeviceId")
		}
		return s.store.GetVaultByMessage(r.Context(), digest, conv, msgID, senderDevice)
	}

	ctrRaw, okCtr := p.int64("headerCounter", "header_counter")
	if !okCtr {
		return nil, contracts.BadRequest("messageId or headerCounter is required")
	}
	counter, ok := normalize.Counter(ctrRaw)
	if !ok {
		return nil, contracts.BadRequest("invalid headerCounter")
	}
	senderDevice := ""
	if raw := p.str("senderDeviceId", "sender_device_id"); raw != "" {
		if senderDevice, ok = normalize.DeviceID(raw); !ok {
			return nil, contracts.BadRequest("invalid senderDeviceId")
		}
	}
	return s.store.GetVaultByCounter(r.Context(), digest, conv, counter, senderDevice)
}

func (s *Server) handleVaultLatestState(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	senderDevice := ""
	if raw := p.str("senderDeviceId", "sender_device_id"); raw != "" {
		if senderDevice, ok = normalize.DeviceID(raw); !ok {
			return nil, contracts.BadRequest("invalid senderDeviceId")
		}
	}
	return s.store.LatestVaultState(r.Context(), digest, conv, senderDevice)
}

func (s *Server) handleVaultDelete(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	msgID, ok := normalize.MessageID(p.str("messageId", "message_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid messageId")
	}
	deleted, err := s.store.DeleteVault(r.Context(), digest, conv, msgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deleted": deleted}, nil
}

func (s *Server) handleVaultCount(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	conv, ok := normalize.ConversationID(p.str("conversationId", "conversation_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid conversationId")
	}
	count, err := s.store.CountVault(r.Context(), digest, conv)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}
