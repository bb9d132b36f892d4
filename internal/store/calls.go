package store

import (
	"context"
)

// callCleanupInterval throttles expired-row sweeps process-wide.
const callCleanupInterval = 60

// CallSession is soft-real-time session metadata; upsert-only.
type CallSession struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
	OwnerDigest    string `json:"ownerDigest"`
	PayloadJSON    string `json:"payload,omitempty"`
	ExpiresAt      int64  `json:"expiresAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// CallEvent is one appended signaling event with its own TTL.
type CallEvent struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"sessionId"`
	EventType   string `json:"eventType"`
	PayloadJSON string `json:"payload,omitempty"`
	ExpiresAt   int64  `json:"expiresAt"`
	CreatedAt   int64  `json:"createdAt"`
}

// UpsertCallSession writes session state and opportunistically sweeps
// expired rows.
func (s *Store) UpsertCallSession(ctx context.Context, sess CallSession) error {
	s.maybeCleanupCalls(ctx)
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (session_id, conversation_id, owner_digest, payload_json, expires_at, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id)
		DO UPDATE SET conversation_id = excluded.conversation_id,
		              payload_json    = excluded.payload_json,
		              expires_at      = excluded.expires_at,
		              updated_at      = excluded.updated_at`,
		sess.SessionID, nullString(sess.ConversationID), sess.OwnerDigest,
		nullString(sess.PayloadJSON), sess.ExpiresAt, now, now)
	return asDomainError(err)
}

// AppendCallEvents appends events and returns the session's live events so
// the poster sees the current signaling state in one round trip.
func (s *Store) AppendCallEvents(ctx context.Context, sessionID string, events []CallEvent) ([]CallEvent, error) {
	s.maybeCleanupCalls(ctx)
	now := s.now()
	stmts := make([]Stmt, 0, len(events))
	for _, e := range events {
		stmts = append(stmts, Stmt{
			SQL: `INSERT INTO call_events (session_id, event_type, payload_json, expires_at, created_at)
				VALUES (?, ?, ?, ?, ?)`,
			Args: []any{sessionID, e.EventType, nullString(e.PayloadJSON), e.ExpiresAt, now},
		})
	}
	if err := s.RunBatch(ctx, stmts); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, COALESCE(payload_json, ''), expires_at, created_at
		FROM call_events
		WHERE session_id = ? AND expires_at > ?
		ORDER BY id ASC`, sessionID, now)
	if err != nil {
		return nil, asDomainError(err)
	}
	defer rows.Close()
	var out []CallEvent
	for rows.Next() {
		var e CallEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.PayloadJSON,
			&e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, asDomainError(err)
		}
		out = append(out, e)
	}
	return out, asDomainError(rows.Err())
}

// maybeCleanupCalls deletes expired sessions and events, at most once per
// interval process-wide. Best effort: failures are swallowed, the next
// interval retries.
func (s *Store) maybeCleanupCalls(ctx context.Context) {
	now := s.now()
	s.cleanupMu.Lock()
	if now-s.lastCallCleanup < callCleanupInterval {
		s.cleanupMu.Unlock()
		return
	}
	s.lastCallCleanup = now
	s.cleanupMu.Unlock()

	_ = s.RunBatch(ctx, []Stmt{
		{SQL: `DELETE FROM call_events WHERE expires_at <= ?`, Args: []any{now}},
		{SQL: `DELETE FROM call_sessions WHERE expires_at <= ?`, Args: []any{now}},
	})
}
