package receipts

import (
	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/receipt-sync/internal"
)

// ReceiptStore persists one receipt per (room, user, thread). Thread IDs passed in are always
// the stored form, see internal.StorageThreadID.
type ReceiptStore interface {
	// SelectReceipt returns nil if there is no receipt for this (room, user, thread).
	SelectReceipt(txn *sqlx.Tx, roomID, userID, threadID string) (*internal.Receipt, error)
	// UpsertReceipts overwrites whatever is stored for each receipt's (room, user, thread).
	UpsertReceipts(txn *sqlx.Tx, receipts []internal.Receipt) error
	// AdvanceReceipts writes each receipt only if its ts is strictly greater than the stored
	// one, checked at write time. Returns the receipts which were written.
	AdvanceReceipts(txn *sqlx.Tx, receipts []internal.Receipt) ([]internal.Receipt, error)
}

// EventStore knows the timeline position of events.
type EventStore interface {
	// SelectOriginServerTS returns event_id -> origin_server_ts. Unknown events are absent.
	SelectOriginServerTS(txn *sqlx.Tx, roomID string, eventIDs []string) (map[string]spec.Timestamp, error)
}

// StagingStore holds receipts from an initial sync which were put aside rather than applied.
type StagingStore interface {
	// SelectStaged returns nil if nothing is staged for this room.
	SelectStaged(txn *sqlx.Tx, roomID string) (internal.ReceiptPayload, error)
}
