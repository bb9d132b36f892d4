package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"aim-chat/sync-server/internal/contracts"
)

// VaultPut is one wrapped message-key write. Envelope and wrap-context
// validation happens at the boundary; this layer persists verbatim.
type VaultPut struct {
	AccountDigest   string
	ConversationID  string
	MessageID       string
	SenderDeviceID  string
	TargetDeviceID  string
	Direction       string
	MsgType         string
	HeaderCounter   *int64
	WrappedMKJSON   string
	WrapContextJSON string
	DRStateSnapshot string
}

// VaultRow is one stored wrapped-key envelope.
type VaultRow struct {
	AccountDigest   string          `json:"accountDigest"`
	ConversationID  string          `json:"conversationId"`
	MessageID       string          `json:"messageId"`
	SenderDeviceID  string          `json:"senderDeviceId"`
	TargetDeviceID  string          `json:"targetDeviceId"`
	Direction       string          `json:"direction"`
	MsgType         string          `json:"msgType,omitempty"`
	HeaderCounter   *int64          `json:"headerCounter,omitempty"`
	WrappedMK       json.RawMessage `json:"wrappedMk"`
	WrapContext     json.RawMessage `json:"wrapContext"`
	DRStateSnapshot string          `json:"drStateSnapshot,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
}

// PutVault upserts with ON CONFLICT DO NOTHING: senders re-attempt and
// receivers retry, so duplicates are silently tolerated.
func (s *Store) PutVault(ctx context.Context, in VaultPut) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return putVaultTx(ctx, tx, in, s.now())
	})
	return asDomainError(err)
}

func putVaultTx(ctx context.Context, tx *sql.Tx, in VaultPut, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_key_vault
		    (account_digest, conversation_id, message_id, sender_device_id, target_device_id,
		     direction, msg_type, header_counter, wrapped_mk_json, wrap_context_json,
		     dr_state_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_digest, conversation_id, message_id, sender_device_id) DO NOTHING`,
		in.AccountDigest, in.ConversationID, in.MessageID, in.SenderDeviceID,
		in.TargetDeviceID, in.Direction, nullString(in.MsgType), nullInt64(in.HeaderCounter),
		in.WrappedMKJSON, in.WrapContextJSON, nullString(in.DRStateSnapshot), now)
	return err
}

const vaultColumns = `
	account_digest, conversation_id, message_id, sender_device_id, target_device_id,
	direction, COALESCE(msg_type, ''), header_counter, wrapped_mk_json,
	wrap_context_json, COALESCE(dr_state_snapshot, ''), created_at`

func scanVaultRow(scan func(dest ...any) error) (*VaultRow, error) {
	row := &VaultRow{}
	var headerCounter sql.NullInt64
	var wrapped, wrapCtx string
	if err := scan(&row.AccountDigest, &row.ConversationID, &row.MessageID,
		&row.SenderDeviceID, &row.TargetDeviceID, &row.Direction, &row.MsgType,
		&headerCounter, &wrapped, &wrapCtx, &row.DRStateSnapshot, &row.CreatedAt); err != nil {
		return nil, err
	}
	if headerCounter.Valid {
		row.HeaderCounter = &headerCounter.Int64
	}
	row.WrappedMK = json.RawMessage(wrapped)
	row.WrapContext = json.RawMessage(wrapCtx)
	return row, nil
}

// GetVaultByMessage is the point lookup.
func (s *Store) GetVaultByMessage(ctx context.Context, accountDigest, conversationID, messageID, senderDeviceID string) (*VaultRow, error) {
	query := `SELECT` + vaultColumns + `
		FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND message_id = ?`
	args := []any{accountDigest, conversationID, messageID}
	if senderDeviceID != "" {
		query += ` AND sender_device_id = ?`
		args = append(args, senderDeviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	row, err := scanVaultRow(s.db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("vault entry not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	return row, nil
}

// GetVaultByCounter serves receivers that know the ratchet counter but not
// the server message id.
func (s *Store) GetVaultByCounter(ctx context.Context, accountDigest, conversationID string, headerCounter int64, senderDeviceID string) (*VaultRow, error) {
	query := `SELECT` + vaultColumns + `
		FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND header_counter = ?`
	args := []any{accountDigest, conversationID, headerCounter}
	if senderDeviceID != "" {
		query += ` AND sender_device_id = ?`
		args = append(args, senderDeviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	row, err := scanVaultRow(s.db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NotFound("vault entry not found")
	}
	if err != nil {
		return nil, asDomainError(err)
	}
	return row, nil
}

// LatestState is the ratchet restore path: the most recent outgoing and
// incoming rows that carry a DR snapshot for the conversation.
type LatestState struct {
	Outgoing *VaultRow `json:"outgoing,omitempty"`
	Incoming *VaultRow `json:"incoming,omitempty"`
}

// LatestVaultState returns the newest snapshot-bearing row per direction;
// outgoing can be scoped to one sender device.
func (s *Store) LatestVaultState(ctx context.Context, accountDigest, conversationID, outgoingSenderDevice string) (*LatestState, error) {
	state := &LatestState{}

	outQuery := `SELECT` + vaultColumns + `
		FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND direction = 'outgoing'
		  AND dr_state_snapshot IS NOT NULL`
	outArgs := []any{accountDigest, conversationID}
	if outgoingSenderDevice != "" {
		outQuery += ` AND sender_device_id = ?`
		outArgs = append(outArgs, outgoingSenderDevice)
	}
	outQuery += ` ORDER BY created_at DESC, header_counter DESC LIMIT 1`
	row, err := scanVaultRow(s.db.QueryRowContext(ctx, outQuery, outArgs...).Scan)
	if err == nil {
		state.Outgoing = row
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, asDomainError(err)
	}

	inQuery := `SELECT` + vaultColumns + `
		FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ? AND direction = 'incoming'
		  AND dr_state_snapshot IS NOT NULL
		ORDER BY created_at DESC, header_counter DESC LIMIT 1`
	row, err = scanVaultRow(s.db.QueryRowContext(ctx, inQuery, accountDigest, conversationID).Scan)
	if err == nil {
		state.Incoming = row
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, asDomainError(err)
	}

	return state, nil
}

// DeleteVault removes the account's rows for a conversation, or a single
// message when messageID is given.
func (s *Store) DeleteVault(ctx context.Context, accountDigest, conversationID, messageID string) (int64, error) {
	query := `DELETE FROM message_key_vault WHERE account_digest = ? AND conversation_id = ?`
	args := []any{accountDigest, conversationID}
	if messageID != "" {
		query += ` AND message_id = ?`
		args = append(args, messageID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, asDomainError(err)
	}
	n, err := res.RowsAffected()
	return n, asDomainError(err)
}

// CountVault reports the account's row count for a conversation.
func (s *Store) CountVault(ctx context.Context, accountDigest, conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_key_vault
		WHERE account_digest = ? AND conversation_id = ?`,
		accountDigest, conversationID).Scan(&n)
	return n, asDomainError(err)
}
