package state

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/receipt-sync/sqlutil"
	"github.com/matrix-org/receipt-sync/testutils"
)

// withStorage runs fn against a fresh Storage on every database type available to the tests.
func withStorage(t *testing.T, fn func(t *testing.T, store *Storage)) {
	testutils.WithAllDatabases(t, func(t *testing.T, db *sqlx.DB) {
		fn(t, NewStorageWithDB(db))
	})
}

func mustTxn(t *testing.T, db *sqlx.DB, fn func(txn *sqlx.Tx) error) {
	t.Helper()
	if err := sqlutil.WithTransaction(db, fn); err != nil {
		t.Fatalf("WithTransaction: %s", err)
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	t.Fatalf("got error: %s", err)
}
