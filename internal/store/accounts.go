package store

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/mr-tron/base58"

	"aim-chat/sync-server/internal/contracts"
)

// Account is the root row every other table hangs off.
type Account struct {
	AccountDigest string
	AccountToken  string
	UIDDigest     string
	LastCtr       int64
	WrappedMKJSON string
	CreatedAt     int64
	UpdatedAt     int64
}

// ResolveInput is any non-empty subset of the three account identifiers.
type ResolveInput struct {
	UIDHex        string
	AccountToken  string
	AccountDigest string
	AllowCreate   bool
}

// ConfigureAccounts installs the server-side UID HMAC key and the generated
// token length. Must be called before any resolve.
func (s *Store) ConfigureAccounts(hmacKeyHex string, tokenLen int) error {
	key, err := hex.DecodeString(strings.TrimSpace(hmacKeyHex))
	if err != nil || len(key) != 32 {
		return errors.New("account hmac key must be 64 hex chars")
	}
	if tokenLen <= 0 {
		tokenLen = 32
	}
	if tokenLen > 64 {
		return errors.New("account token length must be <= 64")
	}
	s.accountHMACKey = key
	s.accountTokenLen = tokenLen
	return nil
}

// UIDDigest computes the stable per-user digest: HMAC-SHA256 of the
// normalized UID under the server key, uppercase hex.
func (s *Store) UIDDigest(uidHex string) string {
	mac := hmac.New(sha256.New, s.accountHMACKey)
	mac.Write([]byte(uidHex))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// TokenDigest is SHA-256 of the bearer token, uppercase hex.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ResolveAccount maps the identifier subset to a unique account row,
// creating on first contact when permitted. A supplied token that does not
// match the stored one behaves as "not found": the caller learns nothing
// about whether the row exists.
func (s *Store) ResolveAccount(ctx context.Context, in ResolveInput) (*Account, bool, error) {
	digest := in.AccountDigest
	if digest == "" && in.AccountToken != "" {
		digest = TokenDigest(in.AccountToken)
	}
	uidDigest := ""
	if in.UIDHex != "" {
		uidDigest = s.UIDDigest(in.UIDHex)
	}

	acct, err := s.selectAccount(ctx, digest, uidDigest)
	if err != nil {
		return nil, false, asDomainError(err)
	}
	if acct != nil {
		if in.AccountToken != "" &&
			subtle.ConstantTimeCompare([]byte(acct.AccountToken), []byte(in.AccountToken)) != 1 {
			return nil, false, contracts.NotFound("account not found")
		}
		return acct, false, nil
	}
	if !in.AllowCreate {
		return nil, false, contracts.NotFound("account not found")
	}

	token := in.AccountToken
	if token == "" {
		token, err = s.generateToken()
		if err != nil {
			return nil, false, asDomainError(err)
		}
	}
	// Created from a UID alone (no token, no digest presented): the account
	// digest IS the uid digest. Otherwise it is SHA-256 of the token.
	newDigest := digest
	if newDigest == "" {
		newDigest = uidDigest
	}
	newUID := uidDigest
	if newUID == "" {
		newUID = newDigest
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_digest, account_token, uid_digest, last_ctr, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		newDigest, token, newUID, now, now)
	if err != nil {
		if IsUniqueViolation(err) {
			// Lost a creation race; the winner's row is authoritative.
			acct, err := s.selectAccount(ctx, newDigest, newUID)
			if err != nil {
				return nil, false, asDomainError(err)
			}
			if acct == nil {
				return nil, false, contracts.Internal("account vanished after unique violation")
			}
			return acct, false, nil
		}
		return nil, false, asDomainError(err)
	}
	return &Account{
		AccountDigest: newDigest,
		AccountToken:  token,
		UIDDigest:     newUID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true, nil
}

func (s *Store) generateToken() (string, error) {
	buf := make([]byte, s.accountTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

func (s *Store) selectAccount(ctx context.Context, digest, uidDigest string) (*Account, error) {
	var (
		row *sql.Row
	)
	switch {
	case digest != "":
		row = s.db.QueryRowContext(ctx, `
			SELECT account_digest, account_token, uid_digest, last_ctr,
			       COALESCE(wrapped_mk_json, ''), created_at, updated_at
			FROM accounts WHERE account_digest = ?`, digest)
	case uidDigest != "":
		row = s.db.QueryRowContext(ctx, `
			SELECT account_digest, account_token, uid_digest, last_ctr,
			       COALESCE(wrapped_mk_json, ''), created_at, updated_at
			FROM accounts WHERE uid_digest = ?`, uidDigest)
	default:
		return nil, contracts.BadRequest("no account identifier supplied")
	}
	acct := &Account{}
	err := row.Scan(&acct.AccountDigest, &acct.AccountToken, &acct.UIDDigest,
		&acct.LastCtr, &acct.WrappedMKJSON, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ExchangeResult is what tags/exchange returns to the client.
type ExchangeResult struct {
	Account      *Account
	NewlyCreated bool
}

// Exchange resolves (creating when needed) and enforces the replay check:
// ctr must strictly exceed last_ctr on every call except the creating one.
// The conditional UPDATE is the serialization point; a zero-row result is a
// lost race and reports the stored counter.
func (s *Store) Exchange(ctx context.Context, in ResolveInput, ctr int64) (*ExchangeResult, error) {
	acct, created, err := s.ResolveAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	if created {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET last_ctr = ?, updated_at = ? WHERE account_digest = ?`,
			ctr, s.now(), acct.AccountDigest); err != nil {
			return nil, asDomainError(err)
		}
		acct.LastCtr = ctr
		return &ExchangeResult{Account: acct, NewlyCreated: true}, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_ctr = ?, updated_at = ?
		WHERE account_digest = ? AND last_ctr < ?`,
		ctr, s.now(), acct.AccountDigest, ctr)
	if err != nil {
		return nil, asDomainError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, asDomainError(err)
	}
	if n == 0 {
		fresh, err := s.selectAccount(ctx, acct.AccountDigest, "")
		if err != nil {
			return nil, asDomainError(err)
		}
		last := acct.LastCtr
		if fresh != nil {
			last = fresh.LastCtr
		}
		return nil, contracts.Replay(last)
	}
	acct.LastCtr = ctr
	return &ExchangeResult{Account: acct, NewlyCreated: false}, nil
}

// StoreMK stores the opaque wrapped master-key blob on the account.
func (s *Store) StoreMK(ctx context.Context, accountDigest, wrappedMKJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET wrapped_mk_json = ?, updated_at = ? WHERE account_digest = ?`,
		wrappedMKJSON, s.now(), accountDigest)
	if err != nil {
		return asDomainError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return asDomainError(err)
	}
	if n == 0 {
		return contracts.NotFound("account not found")
	}
	return nil
}

// DeviceBackup is one opaque per-device key-backup blob.
type DeviceBackup struct {
	AccountDigest string
	DeviceID      string
	PayloadJSON   string
	UpdatedAt     int64
}

func (s *Store) StoreDeviceBackup(ctx context.Context, accountDigest, deviceID, payloadJSON string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_backups (account_digest, device_id, payload_json, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_digest, device_id)
		DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		accountDigest, deviceID, payloadJSON, now, now)
	return asDomainError(err)
}

func (s *Store) FetchDeviceBackup(ctx context.Context, accountDigest, deviceID string) (*DeviceBackup, error) {
	b := &DeviceBackup{AccountDigest: accountDigest, DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_json, updated_at FROM device_backups
		WHERE account_digest = ? AND device_id = ?`,
		accountDigest, deviceID).Scan(&b.PayloadJSON, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("device backup not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	return b, nil
}

func (s *Store) StoreOpaqueRecord(ctx context.Context, accountDigest, recordJSON string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opaque_records (account_digest, record_json, updated_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_digest)
		DO UPDATE SET record_json = excluded.record_json, updated_at = excluded.updated_at`,
		accountDigest, recordJSON, now, now)
	return asDomainError(err)
}

func (s *Store) FetchOpaqueRecord(ctx context.Context, accountDigest string) (string, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM opaque_records WHERE account_digest = ?`,
		accountDigest).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return "", contracts.NotFound("opaque record not found")
	}
	if err != nil {
		return "", asDomainError(err)
	}
	return record, nil
}

// AccountEvidence is the digest-only existence proof for support flows.
type AccountEvidence struct {
	AccountDigest string `json:"account_digest"`
	UIDDigest     string `json:"uid_digest"`
	CreatedAt     int64  `json:"created_at"`
	DeviceCount   int64  `json:"device_count"`
	MessageCount  int64  `json:"message_count"`
}

func (s *Store) AccountEvidence(ctx context.Context, accountDigest string) (*AccountEvidence, error) {
	acct, err := s.selectAccount(ctx, accountDigest, "")
	if err != nil {
		return nil, asDomainError(err)
	}
	if acct == nil {
		return nil, contracts.NotFound("account not found")
	}
	ev := &AccountEvidence{
		AccountDigest: acct.AccountDigest,
		UIDDigest:     acct.UIDDigest,
		CreatedAt:     acct.CreatedAt,
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE account_digest = ?`,
		accountDigest).Scan(&ev.DeviceCount); err != nil {
		return nil, asDomainError(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages_secure WHERE sender_account_digest = ?`,
		accountDigest).Scan(&ev.MessageCount); err != nil {
		return nil, asDomainError(err)
	}
	return ev, nil
}
