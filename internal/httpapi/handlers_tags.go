package httpapi

import (
	"net/http"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
	"aim-chat/sync-server/internal/store"
)

// resolveInput normalizes the identifier subset from a payload. At least
// one of uidHex, accountToken, accountDigest must survive normalization.
func resolveInput(p payload, allowCreate bool) (store.ResolveInput, error) {
	in := store.ResolveInput{AllowCreate: allowCreate}

	if raw := p.str("uidHex", "uid_hex", "uid"); raw != "" {
		uid, ok := normalize.UIDHex(raw)
		if !ok {
			return in, contracts.BadRequest("invalid uidHex")
		}
		in.UIDHex = uid
	}
	in.AccountToken = p.str("accountToken", "account_token", "token")
	if raw := p.str("accountDigest", "account_digest", "digest"); raw != "" {
		digest, ok := normalize.AccountDigest(raw)
		if !ok {
			return in, contracts.BadRequest("invalid accountDigest")
		}
		in.AccountDigest = digest
	}

	if in.UIDHex == "" && in.AccountToken == "" && in.AccountDigest == "" {
		return in, contracts.BadRequest("an account identifier is required")
	}
	return in, nil
}

// requireDigest resolves the caller to an existing account and returns its
// digest. Used by endpoints that operate on already-created accounts.
func (s *Server) requireDigest(r *http.Request, p payload) (string, error) {
	in, err := resolveInput(p, false)
	if err != nil {
		return "", err
	}
	acct, _, err := s.store.ResolveAccount(r.Context(), in)
	if err != nil {
		return "", err
	}
	return acct.AccountDigest, nil
}

func (s *Server) handleTagsExchange(r *http.Request, p payload) (any, error) {
	allowCreate := true
	if raw := p.raw("allowCreate", "allow_create"); raw != nil {
		allowCreate = p.boolean("allowCreate", "allow_create")
	}
	in, err := resolveInput(p, allowCreate)
	if err != nil {
		return nil, err
	}
	ctr, ok := p.int64("ctr", "counter")
	if !ok || ctr < 1 {
		return nil, contracts.BadRequest("ctr must be a positive integer")
	}

	res, err := s.store.Exchange(r.Context(), in, ctr)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"ok":             true,
		"hasMK":          res.Account.WrappedMKJSON != "",
		"account_digest": res.Account.AccountDigest,
		"uid_digest":     res.Account.UIDDigest,
		"last_ctr":       res.Account.LastCtr,
		"newly_created":  res.NewlyCreated,
	}
	if res.NewlyCreated {
		// The bearer token crosses the wire exactly once.
		out["account_token"] = res.Account.AccountToken
	}
	return out, nil
}

func (s *Server) handleTagsStoreMK(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	wrapped := p.object("wrappedMk", "wrapped_mk", "wrappedMkJson", "wrapped_mk_json")
	if wrapped == "" {
		return nil, contracts.BadRequest("wrappedMk is required")
	}
	if err := s.store.StoreMK(r.Context(), digest, wrapped); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleDevkeysStore(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	deviceID, ok := normalize.DeviceID(p.str("deviceId", "device_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	payloadJSON := p.object("payload", "backup")
	if payloadJSON == "" {
		return nil, contracts.BadRequest("payload is required")
	}
	if err := s.store.StoreDeviceBackup(r.Context(), digest, deviceID, payloadJSON); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleDevkeysFetch(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	deviceID, ok := normalize.DeviceID(p.str("deviceId", "device_id"))
	if !ok {
		return nil, contracts.BadRequest("invalid deviceId")
	}
	backup, err := s.store.FetchDeviceBackup(r.Context(), digest, deviceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"payload":   rawOrNull(backup.PayloadJSON),
		"updatedAt": backup.UpdatedAt,
	}, nil
}

func (s *Server) handleOpaqueStore(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	record := p.object("record", "opaqueRecord", "opaque_record")
	if record == "" {
		return nil, contracts.BadRequest("record is required")
	}
	if err := s.store.StoreOpaqueRecord(r.Context(), digest, record); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "serverId": s.cfg.OpaqueServerID}, nil
}

func (s *Server) handleOpaqueFetch(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	record, err := s.store.FetchOpaqueRecord(r.Context(), digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"record":   rawOrNull(record),
		"serverId": s.cfg.OpaqueServerID,
	}, nil
}

func (s *Server) handleAccountsVerify(r *http.Request, p payload) (any, error) {
	in, err := resolveInput(p, false)
	if err != nil {
		return nil, err
	}
	acct, _, err := s.store.ResolveAccount(r.Context(), in)
	if err != nil {
		var domain *contracts.Error
		if asContracts(err, &domain) && domain.Code == contracts.CodeNotFound {
			return map[string]any{"exists": false}, nil
		}
		return nil, err
	}
	return map[string]any{"exists": true, "account_digest": acct.AccountDigest}, nil
}

func (s *Server) handleAccountsCreated(r *http.Request, p payload) (any, error) {
	digest, err := s.digestFromQuery(r)
	if err != nil {
		return nil, err
	}
	acct, _, err := s.store.ResolveAccount(r.Context(), store.ResolveInput{AccountDigest: digest})
	if err != nil {
		return nil, err
	}
	return map[string]any{"created_at": acct.CreatedAt}, nil
}

func (s *Server) handleAccountEvidence(r *http.Request, p payload) (any, error) {
	digest, err := s.digestFromQuery(r)
	if err != nil {
		return nil, err
	}
	return s.store.AccountEvidence(r.Context(), digest)
}

func (s *Server) handleAccountsPurge(r *http.Request, p payload) (any, error) {
	digest, err := s.requireDigest(r, p)
	if err != nil {
		return nil, err
	}
	return s.store.PurgeAccount(r.Context(), s.log, digest, p.boolean("dryRun", "dry_run"))
}

// digestFromQuery resolves ?accountDigest= or ?uidHex= on GET endpoints.
func (s *Server) digestFromQuery(r *http.Request) (string, error) {
	q := r.URL.Query()
	if raw := q.Get("accountDigest"); raw != "" {
		digest, ok := normalize.AccountDigest(raw)
		if !ok {
			return "", contracts.BadRequest("invalid accountDigest")
		}
		return digest, nil
	}
	if raw := q.Get("uidHex"); raw != "" {
		uid, ok := normalize.UIDHex(raw)
		if !ok {
			return "", contracts.BadRequest("invalid uidHex")
		}
		acct, _, err := s.store.ResolveAccount(r.Context(), store.ResolveInput{UIDHex: uid})
		if err != nil {
			return "", err
		}
		return acct.AccountDigest, nil
	}
	return "", contracts.BadRequest("accountDigest or uidHex is required")
}
