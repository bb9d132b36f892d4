// Package store is the transactional layer over the single SQLite
// database. Every externally visible state change commits as one
// transaction; handlers above this package never see driver errors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"aim-chat/sync-server/internal/contracts"
	"aim-chat/sync-server/internal/platform/metrics"
)

type Store struct {
	db  *sql.DB
	now func() int64

	accountHMACKey  []byte
	accountTokenLen int

	schemaReady atomic.Bool
	schemaMu    sync.Mutex

	// legacy `messages` table: read by delete paths only, never written.
	hasLegacyMessages atomic.Bool

	cleanupMu       sync.Mutex
	lastCallCleanup int64
}

// Open opens (or creates) the SQLite file. WAL keeps concurrent readers off
// the writers' lock; busy_timeout makes concurrent senders serialize on the
// database instead of failing fast.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:  db,
		now: func() int64 { return time.Now().Unix() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Now() int64 {
	return s.now()
}

// SetNowFunc overrides the clock; tests use it to step time across invite
// expiry windows.
func (s *Store) SetNowFunc(now func() int64) {
	s.now = now
}

// withTx runs fn inside one transaction, committing on nil and rolling back
// otherwise. Batch outcomes feed the db_batch metric.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		metrics.BatchTotal.WithLabelValues("rollback").Inc()
		return err
	}
	if err := tx.Commit(); err != nil {
		metrics.BatchTotal.WithLabelValues("rollback").Inc()
		return err
	}
	metrics.BatchTotal.WithLabelValues("commit").Inc()
	return nil
}

// IsUniqueViolation inspects the driver's structured constraint codes, with
// a message-substring fallback for errors that arrive unwrapped.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "primary")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// asDomainError keeps contracts errors intact and truncates anything else.
func asDomainError(err error) error {
	if err == nil {
		return nil
	}
	var domain *contracts.Error
	if errors.As(err, &domain) {
		return domain
	}
	return contracts.AsError(err)
}
