package normalize

import (
	"encoding/json"
	"sort"

	"aim-chat/sync-server/internal/contracts"
)

const (
	WrappedKeyAEAD = "aes-256-gcm"
	WrappedKeyInfo = "message-key/v1"
	InviteInfo     = "contact-init/dropbox/v1"

	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// WrappedKeyEnvelope is the fixed-format ciphertext container for a wrapped
// message key. The server validates shape only; it never holds the AEAD key.
type WrappedKeyEnvelope struct {
	V    int64  `json:"v"`
	AEAD string `json:"aead"`
	Info string `json:"info"`
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	CT   string `json:"ct"`
}

// WrapContext is the plaintext binding tuple a wrapped key is only valid
// under. Every field present on both sides must match byte-for-byte.
type WrapContext struct {
	ConversationID string
	MessageID      string
	SenderDeviceID string
	TargetDeviceID string
	Direction      string
	HeaderCounter  *int64
	MsgType        string
}

// MessageHeader is the subset of the client's header_json the server
// enforces. Unknown header keys are allowed; the header belongs to clients.
type MessageHeader struct {
	DeviceID string
	V        int64
	IVB64    string
	Counter  int64
	MsgType  string
}

// InviteEnvelope is the sealed rendezvous payload a guest delivers into a
// dropbox. Strict key set: any unknown or alias field fails the parse.
type InviteEnvelope struct {
	V         int64
	AEAD      string
	Info      string
	EphPubB64 string
	IVB64     string
	CTB64     string
	CreatedAt int64
	ExpiresAt int64
	Raw       json.RawMessage
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func unexpectedKeys(m map[string]any, allowed map[string]bool) []string {
	var extra []string
	for k := range m {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

var wrappedKeyAllowed = map[string]bool{
	"v": true, "aead": true, "info": true, "salt": true, "iv": true, "ct": true,
}

// ParseWrappedKeyEnvelope validates the exact allowed-key set and the fixed
// format fields. Fail-closed on any extra key: that is how legacy aliases
// are kept out of the vault.
func ParseWrappedKeyEnvelope(raw json.RawMessage) (*WrappedKeyEnvelope, error) {
	m, ok := decodeObject(raw)
	if !ok {
		return nil, contracts.InvalidWrappedPayload("wrapped payload is not an object")
	}
	if extra := unexpectedKeys(m, wrappedKeyAllowed); len(extra) > 0 {
		return nil, contracts.InvalidWrappedPayload("unexpected wrapped payload keys %v", extra)
	}
	v, ok := Int64(m["v"])
	if !ok || v < 1 {
		return nil, contracts.InvalidWrappedPayload("wrapped payload version must be >= 1")
	}
	aead, _ := m["aead"].(string)
	if aead != WrappedKeyAEAD {
		return nil, contracts.InvalidWrappedPayload("unsupported aead %q", aead)
	}
	info, _ := m["info"].(string)
	if info != WrappedKeyInfo {
		return nil, contracts.InvalidWrappedPayload("unsupported info %q", info)
	}
	env := &WrappedKeyEnvelope{V: v, AEAD: aead, Info: info}
	for field, dst := range map[string]*string{"salt": &env.Salt, "iv": &env.IV, "ct": &env.CT} {
		s, _ := m[field].(string)
		if !IsBase64(s) {
			return nil, contracts.InvalidWrappedPayload("wrapped payload field %q is not base64", field)
		}
		*dst = s
	}
	return env, nil
}

var wrapContextAllowed = map[string]bool{
	"conversationId": true, "messageId": true, "senderDeviceId": true,
	"targetDeviceId": true, "direction": true, "headerCounter": true, "msgType": true,
}

// ParseWrapContext validates the binding tuple shape. Expected-field
// equality against the surrounding request is the caller's job.
func ParseWrapContext(raw json.RawMessage) (*WrapContext, error) {
	m, ok := decodeObject(raw)
	if !ok {
		return nil, contracts.InvalidWrapContext("wrap context is not an object")
	}
	if extra := unexpectedKeys(m, wrapContextAllowed); len(extra) > 0 {
		return nil, contracts.InvalidWrapContext("unexpected wrap context keys %v", extra)
	}
	ctx := &WrapContext{}
	var okID bool
	if ctx.ConversationID, okID = ConversationID(str(m["conversationId"])); !okID {
		return nil, contracts.InvalidWrapContext("invalid conversationId")
	}
	if ctx.MessageID, okID = MessageID(str(m["messageId"])); !okID {
		return nil, contracts.InvalidWrapContext("invalid messageId")
	}
	if ctx.SenderDeviceID, okID = DeviceID(str(m["senderDeviceId"])); !okID {
		return nil, contracts.InvalidWrapContext("invalid senderDeviceId")
	}
	if ctx.TargetDeviceID, okID = DeviceID(str(m["targetDeviceId"])); !okID {
		return nil, contracts.InvalidWrapContext("invalid targetDeviceId")
	}
	switch str(m["direction"]) {
	case DirectionIncoming:
		ctx.Direction = DirectionIncoming
	case DirectionOutgoing:
		ctx.Direction = DirectionOutgoing
	default:
		return nil, contracts.InvalidWrapContext("direction must be incoming or outgoing")
	}
	if rawCtr, present := m["headerCounter"]; present && rawCtr != nil {
		n, okCtr := Counter(rawCtr)
		if !okCtr {
			return nil, contracts.InvalidWrapContext("invalid headerCounter")
		}
		ctx.HeaderCounter = &n
	}
	if rawType, present := m["msgType"]; present && rawType != nil {
		s, okType := rawType.(string)
		if !okType || s == "" {
			return nil, contracts.InvalidWrapContext("invalid msgType")
		}
		ctx.MsgType = s
	}
	return ctx, nil
}

// MatchesMessage checks the exact binding the vault enforces: identifiers
// equal, direction legal, and msgType equal when present on both sides.
func (c *WrapContext) MatchesMessage(conversationID, messageID, senderDeviceID string) error {
	if c.ConversationID != conversationID {
		return contracts.InvalidWrapContext("wrap context conversationId mismatch")
	}
	if c.MessageID != messageID {
		return contracts.InvalidWrapContext("wrap context messageId mismatch")
	}
	if c.SenderDeviceID != senderDeviceID {
		return contracts.InvalidWrapContext("wrap context senderDeviceId mismatch")
	}
	return nil
}

// ParseMessageHeader enforces the invariants the server relies on: the
// header names the sending device, carries a format version and IV, and
// repeats the ratchet counter under "n" or "counter".
func ParseMessageHeader(raw json.RawMessage) (*MessageHeader, error) {
	m, ok := decodeObject(raw)
	if !ok {
		return nil, contracts.BadRequest("header is not an object")
	}
	h := &MessageHeader{}
	var okID bool
	if h.DeviceID, okID = DeviceID(str(m["device_id"])); !okID {
		return nil, contracts.BadRequest("header device_id missing")
	}
	v, okV := Int64(m["v"])
	if !okV || v < 1 {
		return nil, contracts.BadRequest("header version must be >= 1")
	}
	h.V = v
	iv, _ := m["iv_b64"].(string)
	if !IsBase64(iv) {
		return nil, contracts.BadRequest("header iv_b64 missing")
	}
	h.IVB64 = iv
	ctr, okCtr := Counter(m["n"])
	if !okCtr {
		if ctr, okCtr = Counter(m["counter"]); !okCtr {
			return nil, contracts.BadRequest("header counter missing")
		}
	}
	h.Counter = ctr
	if meta, okMeta := m["meta"].(map[string]any); okMeta {
		h.MsgType, _ = meta["msgType"].(string)
	}
	return h, nil
}

var (
	inviteEnvelopeAllowed = map[string]bool{
		"v": true, "aead": true, "info": true, "sealed": true,
		"createdAt": true, "expiresAt": true,
	}
	inviteSealedAllowed = map[string]bool{
		"eph_pub_b64": true, "iv_b64": true, "ct_b64": true,
	}
)

// ParseInviteEnvelope validates the sealed dropbox payload. The raw bytes
// are retained so consume returns exactly what deliver stored.
func ParseInviteEnvelope(raw json.RawMessage) (*InviteEnvelope, error) {
	m, ok := decodeObject(raw)
	if !ok {
		return nil, contracts.InviteEnvelopeInvalid("envelope is not an object")
	}
	if extra := unexpectedKeys(m, inviteEnvelopeAllowed); len(extra) > 0 {
		return nil, contracts.InviteSchemaMismatch("unexpected envelope keys %v", extra)
	}
	v, okV := Int64(m["v"])
	if !okV || v != 1 {
		return nil, contracts.InviteEnvelopeInvalid("envelope version must be 1")
	}
	aead, _ := m["aead"].(string)
	if aead != WrappedKeyAEAD {
		return nil, contracts.InviteEnvelopeInvalid("unsupported aead %q", aead)
	}
	info, _ := m["info"].(string)
	if info != InviteInfo {
		return nil, contracts.InviteEnvelopeInvalid("unsupported info %q", info)
	}
	sealed, okSealed := m["sealed"].(map[string]any)
	if !okSealed {
		return nil, contracts.InviteEnvelopeInvalid("sealed section missing")
	}
	if extra := unexpectedKeys(sealed, inviteSealedAllowed); len(extra) > 0 {
		return nil, contracts.InviteSchemaMismatch("unexpected sealed keys %v", extra)
	}
	env := &InviteEnvelope{V: v, AEAD: aead, Info: info, Raw: append(json.RawMessage(nil), raw...)}
	for field, dst := range map[string]*string{
		"eph_pub_b64": &env.EphPubB64, "iv_b64": &env.IVB64, "ct_b64": &env.CTB64,
	} {
		s, _ := sealed[field].(string)
		if !IsBase64(s) {
			return nil, contracts.InviteEnvelopeInvalid("sealed field %q is not base64", field)
		}
		*dst = s
	}
	created, okCreated := Int64(m["createdAt"])
	expires, okExpires := Int64(m["expiresAt"])
	if !okCreated || !okExpires || created <= 0 || expires <= 0 {
		return nil, contracts.InviteEnvelopeInvalid("createdAt/expiresAt must be unix seconds")
	}
	env.CreatedAt = created
	env.ExpiresAt = expires
	return env, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
