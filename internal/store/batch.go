package store

import (
	"context"
	"database/sql"
)

// Stmt is one statement of a batch: SQL plus its arguments.
type Stmt struct {
	SQL  string
	Args []any
}

// RunBatch executes the statements in order inside one transaction. Any
// error rolls the whole batch back; the caller sees a single domain error.
func (s *Store) RunBatch(ctx context.Context, stmts []Stmt) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
				return err
			}
		}
		return nil
	})
	return asDomainError(err)
}
