package store

import (
	"context"
	"database/sql"

	"aim-chat/sync-server/internal/contracts"
)

// AtomicSendResult reports the single-batch commit.
type AtomicSendResult struct {
	CreatedAt     int64
	BackupVersion *int64
}

// AtomicSend binds the message append, the vault upsert, and the optional
// contact-secret backup into one transaction. The contract: if this
// returns nil, the receiver can later fetch both the ciphertext and a
// decryptable wrapped key in any order. Unlike the plain append path, a
// duplicate message id here is a Conflict: the client bundled state it
// believes is new.
func (s *Store) AtomicSend(ctx context.Context, msg MessageInput, vault VaultPut, backup *BackupInput) (*AtomicSendResult, error) {
	out := &AtomicSendResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		insert := &InsertResult{}
		if err := s.appendMessageTx(ctx, tx, msg, insert); err != nil {
			return err
		}
		out.CreatedAt = insert.CreatedAt

		if err := putVaultTx(ctx, tx, vault, now); err != nil {
			return err
		}

		if backup != nil {
			row, err := writeBackupTx(ctx, tx, *backup, now)
			if err != nil {
				return err
			}
			out.BackupVersion = &row.Version
		}
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, contracts.Conflict("message id already exists")
		}
		return nil, asDomainError(err)
	}
	return out, nil
}
