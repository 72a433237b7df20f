package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/receipt-sync/internal"
)

// StagingTable holds receipt payloads from an initial sync which have not been applied yet.
// At most one payload is staged per room. Payloads are stored as CBOR.
type StagingTable struct {
	db *sqlx.DB
}

func NewStagingTable(db *sqlx.DB) *StagingTable {
	blobType := "BYTEA"
	if db.DriverName() == DriverSQLite {
		blobType = "BLOB"
	}
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_staged_receipts (
		room_id TEXT NOT NULL PRIMARY KEY,
		payload ` + blobType + ` NOT NULL
	);
	`)
	return &StagingTable{db}
}

// Insert stages the payload for this room. If a payload is already staged, the two are merged,
// keeping the newest receipt for each (event, user).
//
// Concurrent inserts for the same room must not lose each other's receipts, so the row is
// created empty first and then locked while the merge happens. sqlite has a single writer and
// needs no lock.
func (t *StagingTable) Insert(txn *sqlx.Tx, roomID string, payload internal.ReceiptPayload) error {
	empty, err := cbor.Marshal(internal.ReceiptPayload{})
	if err != nil {
		return fmt.Errorf("StagingTable.Insert: %w", err)
	}
	_, err = txn.Exec(txn.Rebind(`INSERT INTO receiptsync_staged_receipts (room_id, payload) VALUES (?, ?)
		ON CONFLICT (room_id) DO NOTHING`), roomID, empty)
	if err != nil {
		return fmt.Errorf("StagingTable.Insert: %w", err)
	}
	existing, err := t.selectStaged(txn, roomID, t.db.DriverName() == DriverPostgres)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(MergePayloads(existing, payload))
	if err != nil {
		return fmt.Errorf("StagingTable.Insert: failed to encode payload: %w", err)
	}
	_, err = txn.Exec(txn.Rebind(`UPDATE receiptsync_staged_receipts SET payload=? WHERE room_id=?`), blob, roomID)
	return err
}

// SelectStaged returns the payload staged for this room, or nil if there isn't one.
func (t *StagingTable) SelectStaged(txn *sqlx.Tx, roomID string) (internal.ReceiptPayload, error) {
	return t.selectStaged(txn, roomID, false)
}

func (t *StagingTable) selectStaged(txn *sqlx.Tx, roomID string, forUpdate bool) (internal.ReceiptPayload, error) {
	query := `SELECT payload FROM receiptsync_staged_receipts WHERE room_id=?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var blob []byte
	err := txn.QueryRow(txn.Rebind(query), roomID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload internal.ReceiptPayload
	if err := cbor.Unmarshal(blob, &payload); err != nil {
		return nil, fmt.Errorf("StagingTable.SelectStaged: failed to decode payload for %s: %w", roomID, err)
	}
	return payload, nil
}

// SelectStagedRoomIDs returns every room with a staged payload.
func (t *StagingTable) SelectStagedRoomIDs() (roomIDs []string, err error) {
	err = t.db.Select(&roomIDs, `SELECT room_id FROM receiptsync_staged_receipts ORDER BY room_id`)
	return
}

// Delete staged payloads for these rooms. This runs outside the transaction that consumed
// the payloads, once it has committed.
func (t *StagingTable) Delete(roomIDs ...string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM receiptsync_staged_receipts WHERE room_id IN (?)`, roomIDs)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(t.db.Rebind(query), args...)
	return err
}

func (t *StagingTable) PurgeRoom(txn *sqlx.Tx, roomID string) error {
	_, err := txn.Exec(txn.Rebind(`DELETE FROM receiptsync_staged_receipts WHERE room_id=?`), roomID)
	return err
}

// MergePayloads returns a new payload containing both a and b. Where both hold a receipt for
// the same (event, user) the higher timestamp wins, ties keep a.
func MergePayloads(a, b internal.ReceiptPayload) internal.ReceiptPayload {
	merged := make(internal.ReceiptPayload, len(a)+len(b))
	for _, p := range []internal.ReceiptPayload{a, b} {
		for eventID, users := range p {
			dst := merged[eventID]
			if dst == nil {
				dst = make(map[string]internal.ReceiptMeta, len(users))
				merged[eventID] = dst
			}
			for userID, meta := range users {
				if existing, ok := dst[userID]; ok && meta.TS <= existing.TS {
					continue
				}
				dst[userID] = meta
			}
		}
	}
	return merged
}
