package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InTx executes fn within one database transaction. On error from fn the
// transaction is rolled back and the error returned; on panic it is rolled
// back and the panic re-raised. Nested calls are not supported: a second
// InTx inside fn opens an independent transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
