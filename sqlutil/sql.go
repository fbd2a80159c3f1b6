// Package sqlutil carries the shared sqlx plumbing for the state tables.
package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs fn inside a transaction scoped to ctx. A returned
// error or a panic rolls the transaction back; otherwise it commits.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil && err == nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
		if err != nil {
			txn.Rollback()
			return
		}
		if cErr := txn.Commit(); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", cErr)
		}
	}()

	err = fn(txn)
	return
}
