package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/sqlutil"
)

type receiptEDU struct {
	Type    string                    `json:"type"`
	Content map[string]receiptContent `json:"content"`
}

type receiptContent struct {
	Read map[string]receiptInfo `json:"m.read,omitempty"`
}

type receiptInfo struct {
	TS       float64 `json:"ts"`
	ThreadID string  `json:"thread_id,omitempty"`
}

// ReceiptTable stores one row per (room, user, thread): the user's current read marker on that
// thread. The event_id column doubles as the event index: the set of rows with a given
// (room_id, event_id) is the set of users whose marker is on that event.
type ReceiptTable struct {
	db        *sqlx.DB
	maxParams int
}

func NewReceiptTable(db *sqlx.DB) *ReceiptTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS receiptsync_receipts (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		ts DOUBLE PRECISION NOT NULL,
		UNIQUE(room_id, user_id, thread_id)
	);
	-- for querying by events in the timeline, need to search by event id
	CREATE INDEX IF NOT EXISTS receiptsync_receipts_by_event_idx ON receiptsync_receipts(room_id, event_id);
	-- for querying all receipts for a user in a room, need to search by user id
	CREATE INDEX IF NOT EXISTS receiptsync_receipts_by_user_idx ON receiptsync_receipts(room_id, user_id);
	`)
	return &ReceiptTable{
		db:        db,
		maxParams: maxParameters(db),
	}
}

// SelectReceipt returns the receipt for this (room, user, thread), or nil if there isn't one.
// The thread ID must already be the stored form, see internal.StorageThreadID.
func (t *ReceiptTable) SelectReceipt(txn *sqlx.Tx, roomID, userID, threadID string) (*internal.Receipt, error) {
	var r internal.Receipt
	err := txn.Get(&r, txn.Rebind(`SELECT room_id, event_id, user_id, ts, thread_id FROM receiptsync_receipts
		WHERE room_id=? AND user_id=? AND thread_id=?`), roomID, userID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertReceipts writes the given receipts, overwriting whatever is stored for the same
// (room, user, thread). Overwriting the event_id moves the receipt in the event index.
// If the same key appears more than once, the last one wins.
func (t *ReceiptTable) UpsertReceipts(txn *sqlx.Tx, receipts []internal.Receipt) error {
	receipts = dedupeReceipts(receipts)
	if len(receipts) == 0 {
		return nil
	}
	for _, r := range receipts {
		internal.Assert("stored receipts never use the unthreaded thread ID", r.ThreadID != "")
	}
	chunks := sqlutil.Chunkify(5, t.maxParams, ReceiptChunker(receipts))
	for _, chunk := range chunks {
		_, err := txn.NamedExec(`
			INSERT INTO receiptsync_receipts (room_id, user_id, thread_id, event_id, ts)
			VALUES (:room_id, :user_id, :thread_id, :event_id, :ts)
			ON CONFLICT (room_id, user_id, thread_id) DO UPDATE SET event_id=excluded.event_id, ts=excluded.ts`, chunk)
		if err != nil {
			return fmt.Errorf("UpsertReceipts: %w", err)
		}
	}
	return nil
}

// AdvanceReceipts writes the given receipts only where they are newer than what is stored:
// a row is inserted if missing, else updated only if the new ts is strictly greater. This
// holds even against a concurrent transaction which committed a newer receipt after ours read
// the row. Returns the receipts which were written, in the order given.
func (t *ReceiptTable) AdvanceReceipts(txn *sqlx.Tx, receipts []internal.Receipt) ([]internal.Receipt, error) {
	receipts = dedupeReceipts(receipts)
	if len(receipts) == 0 {
		return nil, nil
	}
	for _, r := range receipts {
		internal.Assert("stored receipts never use the unthreaded thread ID", r.ThreadID != "")
	}
	type key struct {
		roomID, userID, threadID string
	}
	written := make(map[key]bool, len(receipts))
	chunks := sqlutil.Chunkify(5, t.maxParams, ReceiptChunker(receipts))
	for _, chunk := range chunks {
		rows, err := txn.NamedQuery(`
			INSERT INTO receiptsync_receipts (room_id, user_id, thread_id, event_id, ts)
			VALUES (:room_id, :user_id, :thread_id, :event_id, :ts)
			ON CONFLICT (room_id, user_id, thread_id) DO UPDATE SET event_id=excluded.event_id, ts=excluded.ts
			WHERE excluded.ts > receiptsync_receipts.ts
			RETURNING room_id, user_id, thread_id`, chunk)
		if err != nil {
			return nil, fmt.Errorf("AdvanceReceipts: %w", err)
		}
		for rows.Next() {
			var k key
			if err = rows.Scan(&k.roomID, &k.userID, &k.threadID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("AdvanceReceipts: %w", err)
			}
			written[k] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("AdvanceReceipts: %w", err)
		}
	}
	var result []internal.Receipt
	for _, r := range receipts {
		if written[key{r.RoomID, r.UserID, r.ThreadID}] {
			result = append(result, r)
		}
	}
	return result, nil
}

// Select all receipts for the event IDs given. Events must be in the room ID given.
// Call PackReceiptsIntoEDU when sending to clients.
func (t *ReceiptTable) SelectReceiptsForEvents(roomID string, eventIDs []string) (receipts []internal.Receipt, err error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT room_id, event_id, user_id, ts, thread_id FROM receiptsync_receipts
		WHERE room_id=? AND event_id IN (?)`, roomID, eventIDs)
	if err != nil {
		return nil, err
	}
	err = t.db.Select(&receipts, t.db.Rebind(query), args...)
	return
}

// SelectEventReceiptIndex returns event_id -> receipts currently on that event. Events
// nobody has read are absent from the map.
func (t *ReceiptTable) SelectEventReceiptIndex(roomID string, eventIDs []string) (map[string][]internal.Receipt, error) {
	receipts, err := t.SelectReceiptsForEvents(roomID, eventIDs)
	if err != nil {
		return nil, err
	}
	index := make(map[string][]internal.Receipt, len(eventIDs))
	for _, r := range receipts {
		index[r.EventID] = append(index[r.EventID], r)
	}
	return index, nil
}

// Select all receipts for this user in these rooms. Returns room_id -> receipts.
func (t *ReceiptTable) SelectReceiptsForUser(roomIDs []string, userID string) (map[string][]internal.Receipt, error) {
	if len(roomIDs) == 0 {
		return map[string][]internal.Receipt{}, nil
	}
	query, args, err := sqlx.In(`SELECT room_id, event_id, user_id, ts, thread_id FROM receiptsync_receipts
		WHERE room_id IN (?) AND user_id = ?`, roomIDs, userID)
	if err != nil {
		return nil, err
	}
	var receipts []internal.Receipt
	if err = t.db.Select(&receipts, t.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	result := make(map[string][]internal.Receipt, len(roomIDs))
	for _, r := range receipts {
		result[r.RoomID] = append(result[r.RoomID], r)
	}
	return result, nil
}

func (t *ReceiptTable) PurgeRoom(txn *sqlx.Tx, roomID string) error {
	_, err := txn.Exec(txn.Rebind(`DELETE FROM receiptsync_receipts WHERE room_id=?`), roomID)
	return err
}

// dedupeReceipts drops all but the last receipt for each (room, user, thread). A single
// upsert statement cannot touch the same row twice.
func dedupeReceipts(receipts []internal.Receipt) []internal.Receipt {
	type key struct {
		roomID, userID, threadID string
	}
	pos := make(map[key]int, len(receipts))
	result := make([]internal.Receipt, 0, len(receipts))
	for _, r := range receipts {
		k := key{r.RoomID, r.UserID, r.ThreadID}
		if i, ok := pos[k]; ok {
			result[i] = r
			continue
		}
		pos[k] = len(result)
		result = append(result, r)
	}
	return result
}

// PackReceiptsIntoEDU bundles all the receipts into a single m.receipt EDU, suitable for sending down
// client connections. Receipts on the collapsed main channel go out unthreaded. If a user has more
// than one receipt on the same event, the unthreaded one wins (MSC4102), else the newest.
func PackReceiptsIntoEDU(receipts []internal.Receipt) (json.RawMessage, error) {
	newReceiptEDU := receiptEDU{
		Type:    "m.receipt",
		Content: make(map[string]receiptContent),
	}
	for _, r := range receipts {
		receiptsForEvent := newReceiptEDU.Content[r.EventID]
		if receiptsForEvent.Read == nil {
			receiptsForEvent.Read = make(map[string]receiptInfo)
		}
		info := receiptInfo{
			TS:       r.TS,
			ThreadID: r.ThreadID,
		}
		if r.IsUnified() {
			info.ThreadID = ""
		}
		existing, exists := receiptsForEvent.Read[r.UserID]
		if !exists || shouldReplaceReceiptInfo(existing, info) {
			receiptsForEvent.Read[r.UserID] = info
		}
		newReceiptEDU.Content[r.EventID] = receiptsForEvent
	}
	return json.Marshal(newReceiptEDU)
}

func shouldReplaceReceiptInfo(existing, candidate receiptInfo) bool {
	existingUnthreaded := existing.ThreadID == ""
	candidateUnthreaded := candidate.ThreadID == ""
	if existingUnthreaded != candidateUnthreaded {
		return candidateUnthreaded
	}
	return candidate.TS > existing.TS
}

type ReceiptChunker []internal.Receipt

func (c ReceiptChunker) Len() int {
	return len(c)
}
func (c ReceiptChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
