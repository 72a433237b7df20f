package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	return WithTransactionContext(context.Background(), db, fn)
}

// WithTransactionContext is WithTransaction with the transaction bound to ctx.
func WithTransactionContext(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Chunker is a slice of rows which can be split into smaller slices.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify splits rows into chunks so that a bulk insert of each chunk binds at most
// maxParamsPerCall parameters, where each row binds numParamsPerStmt.
func Chunkify(numParamsPerStmt, maxParamsPerCall int, entries Chunker) []Chunker {
	// common case, return immediately
	if (entries.Len() * numParamsPerStmt) <= maxParamsPerCall {
		return []Chunker{entries}
	}
	var chunks []Chunker
	// work out how many rows fit in a single call
	numEntriesPerChunk := maxParamsPerCall / numParamsPerStmt
	if numEntriesPerChunk < 1 {
		numEntriesPerChunk = 1
	}
	for i := 0; i < entries.Len(); i += numEntriesPerChunk {
		endIndex := i + numEntriesPerChunk
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}
