package httpapi

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

func (s *Server) handlePrekeysPublish(r *http.Request, p payload) (any, error) {
	digest, ok := normalize.AccountDigest(p.str("accountDigest", "account_digest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	deviceID, ok := normalize.DeviceID(p.str("deviceId", "device_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	spkID, ok := p.int64("spkId", "spk_id")
	if !ok || spkID < 0 {
		return nil, contracts.BadRequest("invalid spkId")
	}
	spkPub := p.str("spkPub", "spk_pub")
	spkSig := p.str("spkSig", "spk_sig")
	ikPub := p.str("ikPub", "ik_pub")
	if err := verifySignedPrekey(ikPub, spkPub, spkSig); err != nil {
		return nil, err
	}

	var opkFields []struct {
		ID  *int64 `json:"id"`
		Pub string `json:"pub"`
	}
	if raw := p.raw("opks", "oneTimePrekeys", "one_time_prekeys"); raw != nil {
		if err := json.Unmarshal(raw, &opkFields); err != nil {
			return nil, contracts.BadRequest("opks must be a list of {id, pub}")
		}
	}
	opks := make([]store.OneTimePrekey, 0, len(opkFields))
	for _, f := range opkFields {
		if f.ID == nil || *f.ID < 0 || !normalize.IsBase64(f.Pub) {
			return nil, contracts.BadRequest("invalid one-time prekey entry")
		}
		opks = append(opks, store.OneTimePrekey{ID: *f.ID, Pub: f.Pub})
	}

	nextOPKID, err := s.store.PublishPrekeys(r.Context(), store.PublishInput{
		AccountDigest: digest,
		DeviceID:      deviceID,
		DeviceLabel:   p.str("deviceLabel", "device_label", "label"),
		SPKID:         spkID,
		SPKPub:        spkPub,
		SPKSig:        spkSig,
		IKPub:         ikPub,
		OPKs:          opks,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "next_opk_id": nextOPKID}, nil
}

// verifySignedPrekey checks spk_sig over the raw spk_pub bytes under the
// Ed25519 identity key. The store never sees an unverified signed prekey.
func verifySignedPrekey(ikPubB64, spkPubB64, spkSigB64 string) error {
	ik := normalize.Base64(ikPubB64)
	if len(ik) != ed25519.PublicKeySize {
		return contracts.BadRequest("ikPub must be a 32-byte ed25519 key")
	}
	spk := normalize.Base64(spkPubB64)
	if spk == nil {
		return contracts.BadRequest("spkPub is not base64")
	}
	sig := normalize.Base64(spkSigB64)
	if len(sig) != ed25519.SignatureSize {
		return contracts.BadRequest("spkSig must be a 64-byte signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(ik), spk, sig) {
		return contracts.BadRequest("spkSig does not verify under ikPub")
	}
	return nil
}

func (s *Server) handlePrekeysBundle(r *http.Request, p payload) (any, error) {
	q := r.URL.Query()
	peerDigest, ok := normalize.AccountDigest(q.Get("peerAccountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid peerAccountDigest")
	}
	peerDevice := ""
	if raw := q.Get("peerDeviceId"); raw != "" {
		peerDevice, ok = normalize.DeviceID(raw)
		if !ok {
			return nil, contracts.BadRequest("invalid peerDeviceId")
		}
	}
	bundle, err := s.store.FetchBundle(r.Context(), peerDigest, peerDevice)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"deviceId": bundle.DeviceID,
		"ikPub":    bundle.IKPub,
		"spkId":    bundle.SPKID,
		"spkPub":   bundle.SPKPub,
		"spkSig":   bundle.SPKSig,
		"opk":      map[string]any{"id": bundle.OPK.ID, "pub": bundle.OPK.Pub},
	}, nil
}
