package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/normalize"
)

// visibleMsgTypes is the fixed receiver-side filter for list reads. A
// header without meta.msgType counts as visible.
var visibleMsgTypes = map[string]bool{
	"text": true, "media": true, "call-log": true, "system": true,
}

const (
	maxVisibleLimit   = 200
	listIterationCap  = 5
	listOversampleMul = 2
)

// MessageInput is one secure-message append.
type MessageInput struct {
	ID             string
	ConversationID string
	SenderDigest   string
	SenderDevice   string
	ReceiverDigest string
	ReceiverDevice string
	HeaderJSON     string
	CiphertextB64  string
	Counter        int64
	TS             *int64
}

// MessageRow is a stored secure message.
type MessageRow struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderDigest   string          `json:"senderAccountDigest"`
	SenderDevice   string          `json:"senderDeviceId"`
	ReceiverDigest string          `json:"receiverAccountDigest"`
	ReceiverDevice string          `json:"receiverDeviceId,omitempty"`
	Header         json.RawMessage `json:"header"`
	CiphertextB64  string          `json:"ciphertextB64"`
	Counter        int64           `json:"counter"`
	CreatedAt      int64           `json:"createdAt"`
}

// InsertResult reports the commit. Duplicate means the id already existed
// and the original row (with its created_at) stands untouched.
type InsertResult struct {
	CreatedAt int64
	Duplicate bool
}

// InsertMessage enforces per-(conversation, sender-device) counter
// monotonicity and writes the conversation ACL alongside the row, all in
// one transaction. A duplicate id is idempotent success.
func (s *Store) InsertMessage(ctx context.Context, in MessageInput) (*InsertResult, error) {
	res := &InsertResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingCreated int64
		err := tx.QueryRowContext(ctx,
			`SELECT created_at FROM messages_secure WHERE id = ?`, in.ID).Scan(&existingCreated)
		if err == nil {
			res.CreatedAt = existingCreated
			res.Duplicate = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return s.appendMessageTx(ctx, tx, in, res)
	})
	if err != nil {
		// A unique-violation race after the pre-check still means the row
		// exists; report the original created_at as idempotent success.
		if IsUniqueViolation(err) {
			var createdAt int64
			if scanErr := s.db.QueryRowContext(ctx,
				`SELECT created_at FROM messages_secure WHERE id = ?`, in.ID).Scan(&createdAt); scanErr == nil {
				return &InsertResult{CreatedAt: createdAt, Duplicate: true}, nil
			}
		}
		return nil, asDomainError(err)
	}
	return res, nil
}

// appendMessageTx is the shared append step: counter check, conversation
// and ACL upserts, then the insert. Used by the plain path and atomic send.
func (s *Store) appendMessageTx(ctx context.Context, tx *sql.Tx, in MessageInput, res *InsertResult) error {
	maxCounter, err := maxCounterTx(ctx, tx, in.ConversationID, in.SenderDigest, in.SenderDevice)
	if err != nil {
		return err
	}
	if in.Counter <= maxCounter {
		return contracts.CounterTooLow(maxCounter)
	}

	now := s.now()
	createdAt := now
	if in.TS != nil {
		createdAt = *in.TS
	}
	if err := ensureConversationTx(ctx, tx, in.ConversationID, now); err != nil {
		return err
	}
	if err := upsertACLTx(ctx, tx, in.ConversationID, in.SenderDigest, in.SenderDevice, "member", now); err != nil {
		return err
	}
	if err := upsertACLTx(ctx, tx, in.ConversationID, in.ReceiverDigest, in.ReceiverDevice, "member", now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages_secure
		    (id, conversation_id, sender_account_digest, sender_device_id,
		     receiver_account_digest, receiver_device_id, header_json, ciphertext_b64, counter, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ConversationID, in.SenderDigest, in.SenderDevice,
		in.ReceiverDigest, nullString(in.ReceiverDevice), in.HeaderJSON,
		in.CiphertextB64, in.Counter, createdAt); err != nil {
		return err
	}
	res.CreatedAt = createdAt
	return nil
}

func maxCounterTx(ctx context.Context, tx *sql.Tx, conversationID, senderDigest, senderDevice string) (int64, error) {
	var maxCounter sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(counter) FROM messages_secure
		WHERE conversation_id = ? AND sender_account_digest = ? AND sender_device_id = ?`,
		conversationID, senderDigest, senderDevice).Scan(&maxCounter)
	if err != nil {
		return 0, err
	}
	return maxCounter.Int64, nil
}

// MaxCounter answers the repair query a client issues after CounterTooLow.
func (s *Store) MaxCounter(ctx context.Context, conversationID, senderDigest, senderDevice string) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = maxCounterTx(ctx, tx, conversationID, senderDigest, senderDevice)
		return err
	})
	return out, asDomainError(err)
}

func ensureConversationTx(ctx context.Context, tx *sql.Tx, conversationID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`, conversationID, now)
	return err
}

func upsertACLTx(ctx context.Context, tx *sql.Tx, conversationID, accountDigest, deviceID, role string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_acl (conversation_id, account_digest, device_id, role, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, account_digest, device_id)
		DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		conversationID, accountDigest, deviceID, role, now)
	return err
}

// AuthorizeConversation upserts ACL rows outside the message path.
func (s *Store) AuthorizeConversation(ctx context.Context, conversationID string, accountDigest, deviceID, role string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := ensureConversationTx(ctx, tx, conversationID, now); err != nil {
			return err
		}
		if role == "" {
			role = "member"
		}
		return upsertACLTx(ctx, tx, conversationID, accountDigest, deviceID, role, now)
	})
	return asDomainError(err)
}

// ListInput drives a paged message read.
type ListInput struct {
	ConversationID  string
	Limit           int
	CursorCounter   *int64
	CursorID        string
	RequesterDigest string
}

// ListResult carries one page plus the cursor for the next one.
type ListResult struct {
	Messages      []MessageRow
	NextCounter   *int64
	NextMessageID string
	HasMore       bool
}

// ListMessages reads pages ordered (counter DESC, created_at DESC, id DESC).
// A requester digest joins the deletion cursor to hide expunged counters.
// Raw rows are oversampled to reach the visible target, bounded by a small
// iteration budget so one request cannot scan indefinitely.
func (s *Store) ListMessages(ctx context.Context, in ListInput) (*ListResult, error) {
	limit := in.Limit
	if limit <= 0 || limit > maxVisibleLimit {
		limit = maxVisibleLimit
	}

	out := &ListResult{}
	cursorCounter := in.CursorCounter
	cursorID := in.CursorID

	for iter := 0; iter < listIterationCap && len(out.Messages) < limit; iter++ {
		rawLimit := (limit-len(out.Messages))*listOversampleMul + 1
		rows, err := s.queryMessagePage(ctx, in.ConversationID, in.RequesterDigest, cursorCounter, cursorID, rawLimit)
		if err != nil {
			return nil, asDomainError(err)
		}
		if len(rows) == 0 {
			out.HasMore = false
			break
		}
		gotFullPage := len(rows) >= rawLimit
		for _, row := range rows {
			c := row.Counter
			cursorCounter, cursorID = &c, row.ID
			if !messageVisible(row.Header) {
				continue
			}
			out.Messages = append(out.Messages, row)
			if len(out.Messages) == limit {
				break
			}
		}
		out.HasMore = gotFullPage
		if !gotFullPage {
			break
		}
	}
	if len(out.Messages) > 0 {
		last := out.Messages[len(out.Messages)-1]
		c := last.Counter
		out.NextCounter = &c
		out.NextMessageID = last.ID
	}
	return out, nil
}

func (s *Store) queryMessagePage(ctx context.Context, conversationID, requesterDigest string, cursorCounter *int64, cursorID string, rawLimit int) ([]MessageRow, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_account_digest, m.sender_device_id,
		       m.receiver_account_digest, COALESCE(m.receiver_device_id, ''),
		       m.header_json, m.ciphertext_b64, m.counter, m.created_at
		FROM messages_secure m`
	args := []any{}
	where := ` WHERE m.conversation_id = ?`
	args = append(args, conversationID)

	if requesterDigest != "" {
		query += `
		LEFT JOIN deletion_cursors dc
		       ON dc.conversation_id = m.conversation_id AND dc.account_digest = ?`
		args = append([]any{requesterDigest}, args...)
		where += ` AND (dc.min_counter IS NULL OR m.counter > dc.min_counter)`
	}
	if cursorCounter != nil {
		where += ` AND (m.counter < ? OR (m.counter = ? AND m.id < ?))`
		args = append(args, *cursorCounter, *cursorCounter, cursorID)
	}
	query += where + ` ORDER BY m.counter DESC, m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, rawLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var header string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderDigest, &m.SenderDevice,
			&m.ReceiverDigest, &m.ReceiverDevice, &header, &m.CiphertextB64,
			&m.Counter, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Header = json.RawMessage(header)
		out = append(out, m)
	}
	return out, rows.Err()
}

func messageVisible(header json.RawMessage) bool {
	h, err := normalize.ParseMessageHeader(header)
	if err != nil {
		return true
	}
	if h.MsgType == "" {
		return true
	}
	return visibleMsgTypes[h.MsgType]
}

// MessagesByCounter returns messages at an exact counter value, optionally
// scoped to one sender device. Used when the receiver knows the ratchet
// counter but not the server message id.
func (s *Store) MessagesByCounter(ctx context.Context, conversationID, senderDevice string, counter int64) ([]MessageRow, error) {
	query := `
		SELECT id, conversation_id, sender_account_digest, sender_device_id,
		       receiver_account_digest, COALESCE(receiver_device_id, ''),
		       header_json, ciphertext_b64, counter, created_at
		FROM messages_secure
		WHERE conversation_id = ? AND counter = ?`
	args := []any{conversationID, counter}
	if senderDevice != "" {
		query += ` AND sender_device_id = ?`
		args = append(args, senderDevice)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var header string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderDigest, &m.SenderDevice,
			&m.ReceiverDigest, &m.ReceiverDevice, &header, &m.CiphertextB64,
			&m.Counter, &m.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		m.Header = json.RawMessage(header)
		out = append(out, m)
	}
	return out, asDomainError(rows.Err())
}

// DeleteMessage removes one message row owned by the sender.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, senderDigest string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages_secure
		WHERE conversation_id = ? AND id = ? AND sender_account_digest = ?`,
		conversationID, messageID, senderDigest)
	if err != nil {
		return 0, asDomainError(err)
	}
	n, err := res.RowsAffected()
	return n, asDomainError(err)
}

// DeleteConversation hard-deletes message rows and the conversation row.
// Operator-level purge, not a per-user tombstone. The legacy messages
// table, when present, is swept too.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages_secure WHERE conversation_id = ?`, conversationID)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		if s.hasLegacyMessages.Load() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_acl WHERE conversation_id = ?`, conversationID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
		return err
	})
	return deleted, asDomainError(err)
}

// UpsertSendState stores the sender's opaque per-message send-state blob.
func (s *Store) UpsertSendState(ctx context.Context, conversationID, messageID, senderDigest, stateJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_send_state (conversation_id, message_id, sender_account_digest, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, message_id, sender_account_digest)
		DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		conversationID, messageID, senderDigest, stateJSON, s.now())
	return asDomainError(err)
}

// SendState returns the stored blob, or NotFound.
func (s *Store) SendState(ctx context.Context, conversationID, messageID, senderDigest string) (string, int64, error) {
	var stateJSON string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state_json, updated_at FROM message_send_state
		WHERE conversation_id = ? AND message_id = ? AND sender_account_digest = ?`,
		conversationID, messageID, senderDigest).Scan(&stateJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, contracts.NotFound("send state not found")
	}
	if err != nil {
		return "", 0, asDomainError(err)
	}
	return stateJSON, updatedAt, nil
}
