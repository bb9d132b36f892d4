package httpapi

import (
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
)

// The invite surface is the schema-stability guarantee: exact key sets,
// no aliases, any extra field is a hard 400.
var (
	inviteCreateKeys = map[string]bool{
		"inviteId": true, "ownerAccountDigest": true,
		"ownerDeviceId": true, "ownerPublicKeyB64": true,
	}
	inviteDeliverKeys = map[string]bool{
		"inviteId": true, "accountDigest": true, "deviceId": true, "envelope": true,
	}
	inviteConsumeKeys = map[string]bool{
		"inviteId": true, "accountDigest": true,
	}
	inviteStatusKeys = map[string]bool{
		"inviteId": true, "accountDigest": true,
	}
)

func inviteID(p payload) (string, error) {
	id, ok := normalize.InviteID(p.str("inviteId"))
	if !ok {
		return "", contracts.BadRequest("invalid inviteId")
	}
	return id, nil
}

func (s *Server) handleInviteCreate(r *http.Request, p payload) (any, error) {
	if err := p.requireExactKeys(inviteCreateKeys); err != nil {
		return nil, err
	}
	id, err := inviteID(p)
	if err != nil {
		return nil, err
	}
	ownerDigest, ok := normalize.AccountDigest(p.str("ownerAccountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid ownerAccountDigest")
	}
	ownerDevice, ok := normalize.DeviceID(p.str("ownerDeviceId"))
	if !ok {
		return nil, contracts.BadRequest("invalid ownerDeviceId")
	}
	ownerPub := p.str("ownerPublicKeyB64")
	if !normalize.IsBase64(ownerPub) {
		return nil, contracts.BadRequest("ownerPublicKeyB64 is not base64")
	}
	return s.store.CreateInvite(r.Context(), id, ownerDigest, ownerDevice, ownerPub)
}

func (s *Server) handleInviteDeliver(r *http.Request, p payload) (any, error) {
	if err := p.requireExactKeys(inviteDeliverKeys); err != nil {
		return nil, err
	}
	id, err := inviteID(p)
	if err != nil {
		return nil, err
	}
	guestDigest, ok := normalize.AccountDigest(p.str("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	guestDevice, ok := normalize.DeviceID(p.str("deviceId"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	env, err := normalize.ParseInviteEnvelope(p.raw("envelope"))
	if err != nil {
		return nil, err
	}
	row, err := s.store.DeliverInvite(r.Context(), id, guestDigest, guestDevice, env.Raw, env.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":          true,
		"inviteId":    row.InviteID,
		"status":      row.Status,
		"deliveredAt": row.DeliveredAt,
		"expiresAt":   row.ExpiresAt,
	}, nil
}

func (s *Server) handleInviteConsume(r *http.Request, p payload) (any, error) {
	if err := p.requireExactKeys(inviteConsumeKeys); err != nil {
		return nil, err
	}
	id, err := inviteID(p)
	if err != nil {
		return nil, err
	}
	callerDigest, ok := normalize.AccountDigest(p.str("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	row, err := s.store.ConsumeInvite(r.Context(), id, callerDigest)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":         true,
		"inviteId":   row.InviteID,
		"status":     row.Status,
		"consumedAt": row.ConsumedAt,
		"envelope":   row.Ciphertext,
	}, nil
}

func (s *Server) handleInviteStatus(r *http.Request, p payload) (any, error) {
	if err := p.requireExactKeys(inviteStatusKeys); err != nil {
		return nil, err
	}
	id, err := inviteID(p)
	if err != nil {
		return nil, err
	}
	callerDigest, ok := normalize.AccountDigest(p.str("accountDigest"))
	if !ok {
		return nil, contracts.BadRequest("invalid accountDigest")
	}
	row, err := s.store.InviteStatus(r.Context(), id, callerDigest)
	if err != nil {
		return nil, err
	}
	return row, nil
}
