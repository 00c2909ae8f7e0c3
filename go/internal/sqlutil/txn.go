package sqlutil

import (
	"context"
	"database/sql"
)

// RunTx executes fn inside a *sql.Tx.
// If fn returns an error the tx rolls back, else it commits.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil) // BEGIN
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() // ROLLBACK
		return err
	}
	return tx.Commit() // COMMIT
}

// RowsAffected sums affected rows across results, ignoring drivers that cannot report it.
func RowsAffected(results ...sql.Result) int64 {
	var total int64
	for _, r := range results {
		if r == nil {
			continue
		}
		if n, err := r.RowsAffected(); err == nil {
			total += n
		}
	}
	return total
}
