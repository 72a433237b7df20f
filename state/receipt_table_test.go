package state

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/receipt-sync/internal"
)

func sortReceipts(receipts []internal.Receipt) {
	sort.Slice(receipts, func(i, j int) bool {
		keyi := receipts[i].EventID + receipts[i].RoomID + receipts[i].UserID + receipts[i].ThreadID
		keyj := receipts[j].EventID + receipts[j].RoomID + receipts[j].UserID + receipts[j].ThreadID
		return keyi < keyj
	})
}

func parsedReceiptsEqual(t *testing.T, got, want []internal.Receipt) {
	t.Helper()
	sortReceipts(got)
	sortReceipts(want)
	if len(got) != len(want) {
		t.Fatalf("got %d, want %d, got: %+v want %+v", len(got), len(want), got, want)
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Errorf("i=%d got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestReceiptPacking(t *testing.T) {
	testCases := []struct {
		receipts []internal.Receipt
		wantEDU  receiptEDU
		name     string
	}{
		{
			name: "single receipt on the collapsed channel goes out unthreaded",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 42, ThreadID: internal.ThreadIDMainOrNil},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar": {Read: map[string]receiptInfo{"@baz": {TS: 42}}},
				},
			},
		},
		{
			name: "two distinct receipts",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 42, ThreadID: internal.ThreadIDMainOrNil},
				{RoomID: "!foo", EventID: "$bar2", UserID: "@baz2", TS: 422, ThreadID: "$thread"},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar":  {Read: map[string]receiptInfo{"@baz": {TS: 42}}},
					"$bar2": {Read: map[string]receiptInfo{"@baz2": {TS: 422, ThreadID: "$thread"}}},
				},
			},
		},
		{
			name: "main and collapsed receipts on the same event: unthreaded wins",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 200, ThreadID: internal.ThreadIDMain},
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 200, ThreadID: internal.ThreadIDMainOrNil},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar": {Read: map[string]receiptInfo{"@baz": {TS: 200}}},
				},
			},
		},
		{
			name: "MSC4102: unthreaded wins when threaded first",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 42, ThreadID: "thread_id"},
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 420, ThreadID: internal.ThreadIDMainOrNil},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar": {Read: map[string]receiptInfo{"@baz": {TS: 420}}},
				},
			},
		},
		{
			name: "MSC4102: unthreaded wins when unthreaded first, even if older",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 42, ThreadID: internal.ThreadIDMainOrNil},
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 420, ThreadID: "thread_id"},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar": {Read: map[string]receiptInfo{"@baz": {TS: 42}}},
				},
			},
		},
		{
			name: "two threads on the same event: newest wins",
			receipts: []internal.Receipt{
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 10, ThreadID: "$t1"},
				{RoomID: "!foo", EventID: "$bar", UserID: "@baz", TS: 20, ThreadID: "$t2"},
			},
			wantEDU: receiptEDU{
				Type: "m.receipt",
				Content: map[string]receiptContent{
					"$bar": {Read: map[string]receiptInfo{"@baz": {TS: 20, ThreadID: "$t2"}}},
				},
			},
		},
	}
	for _, tc := range testCases {
		edu, err := PackReceiptsIntoEDU(tc.receipts)
		if err != nil {
			t.Fatalf("%s: PackReceiptsIntoEDU: %s", tc.name, err)
		}
		gotEDU := receiptEDU{
			Type:    "m.receipt",
			Content: make(map[string]receiptContent),
		}
		if err := json.Unmarshal(edu, &gotEDU); err != nil {
			t.Fatalf("%s: json.Unmarshal: %s", tc.name, err)
		}
		if !reflect.DeepEqual(gotEDU, tc.wantEDU) {
			t.Errorf("%s: EDU mismatch, got  %+v\n want %+v", tc.name, gotEDU, tc.wantEDU)
		}
	}
}

func TestReceiptTable(t *testing.T) {
	withStorage(t, func(t *testing.T, store *Storage) {
		table := store.ReceiptTable
		roomA := "!A:ReceiptTable"
		roomB := "!B:ReceiptTable"
		alice := "@alice:localhost"
		bob := "@bob:localhost"

		// same receipt for different rooms should work - compound key should include the room ID
		for _, roomID := range []string{roomA, roomB} {
			mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
				return table.UpsertReceipts(txn, []internal.Receipt{
					{RoomID: roomID, EventID: "$first", UserID: alice, TS: 100, ThreadID: internal.ThreadIDMainOrNil},
				})
			})
		}
		got, err := table.SelectReceiptsForEvents(roomA, []string{"$first"})
		assertNoError(t, err)
		parsedReceiptsEqual(t, got, []internal.Receipt{
			{RoomID: roomA, EventID: "$first", UserID: alice, TS: 100, ThreadID: internal.ThreadIDMainOrNil},
		})

		// fetching a single receipt, and a missing one
		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			r, err := table.SelectReceipt(txn, roomA, alice, internal.ThreadIDMainOrNil)
			assertNoError(t, err)
			if r == nil || r.EventID != "$first" || r.TS != 100 {
				t.Fatalf("SelectReceipt: got %+v", r)
			}
			r, err = table.SelectReceipt(txn, roomA, alice, "$some_thread")
			assertNoError(t, err)
			if r != nil {
				t.Fatalf("SelectReceipt: want nil for unknown thread, got %+v", r)
			}
			return nil
		})

		// overwriting moves the receipt in the event index, and a thread receipt is a separate row.
		// The same key twice in one call keeps the last.
		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			return table.UpsertReceipts(txn, []internal.Receipt{
				{RoomID: roomA, EventID: "$second", UserID: alice, TS: 150, ThreadID: internal.ThreadIDMainOrNil},
				{RoomID: roomA, EventID: "$third", UserID: alice, TS: 200, ThreadID: internal.ThreadIDMainOrNil},
				{RoomID: roomA, EventID: "$second", UserID: alice, TS: 300, ThreadID: "$thread"},
				{RoomID: roomA, EventID: "$second", UserID: bob, TS: 50, ThreadID: internal.ThreadIDMain},
			})
		})
		index, err := table.SelectEventReceiptIndex(roomA, []string{"$first", "$second", "$third"})
		assertNoError(t, err)
		if len(index["$first"]) != 0 {
			t.Fatalf("receipt still indexed on old event: %+v", index["$first"])
		}
		parsedReceiptsEqual(t, index["$second"], []internal.Receipt{
			{RoomID: roomA, EventID: "$second", UserID: alice, TS: 300, ThreadID: "$thread"},
			{RoomID: roomA, EventID: "$second", UserID: bob, TS: 50, ThreadID: internal.ThreadIDMain},
		})
		parsedReceiptsEqual(t, index["$third"], []internal.Receipt{
			{RoomID: roomA, EventID: "$third", UserID: alice, TS: 200, ThreadID: internal.ThreadIDMainOrNil},
		})

		// room B is untouched
		got, err = table.SelectReceiptsForEvents(roomB, []string{"$first", "$second", "$third"})
		assertNoError(t, err)
		parsedReceiptsEqual(t, got, []internal.Receipt{
			{RoomID: roomB, EventID: "$first", UserID: alice, TS: 100, ThreadID: internal.ThreadIDMainOrNil},
		})

		gotMap, err := table.SelectReceiptsForUser([]string{roomA, roomB}, alice)
		assertNoError(t, err)
		parsedReceiptsEqual(t, gotMap[roomA], []internal.Receipt{
			{RoomID: roomA, EventID: "$third", UserID: alice, TS: 200, ThreadID: internal.ThreadIDMainOrNil},
			{RoomID: roomA, EventID: "$second", UserID: alice, TS: 300, ThreadID: "$thread"},
		})
		parsedReceiptsEqual(t, gotMap[roomB], []internal.Receipt{
			{RoomID: roomB, EventID: "$first", UserID: alice, TS: 100, ThreadID: internal.ThreadIDMainOrNil},
		})

		// empty inputs
		got, err = table.SelectReceiptsForEvents(roomA, nil)
		assertNoError(t, err)
		parsedReceiptsEqual(t, got, nil)

		// purging removes the room only
		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			return table.PurgeRoom(txn, roomA)
		})
		gotMap, err = table.SelectReceiptsForUser([]string{roomA, roomB}, alice)
		assertNoError(t, err)
		if len(gotMap[roomA]) != 0 || len(gotMap[roomB]) != 1 {
			t.Fatalf("PurgeRoom: got %+v", gotMap)
		}
	})
}

func TestReceiptSummary(t *testing.T) {
	withStorage(t, func(t *testing.T, store *Storage) {
		roomID := "!summary:localhost"
		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			return store.ReceiptTable.UpsertReceipts(txn, []internal.Receipt{
				{RoomID: roomID, EventID: "$a", UserID: "@alice:localhost", TS: 1, ThreadID: internal.ThreadIDMainOrNil},
				{RoomID: roomID, EventID: "$a", UserID: "@alice:localhost", TS: 1, ThreadID: internal.ThreadIDMain},
				{RoomID: roomID, EventID: "$b", UserID: "@bob:localhost", TS: 2, ThreadID: "$t"},
			})
		})
		edu, err := store.ReceiptSummary(roomID, []string{"$a", "$b"})
		assertNoError(t, err)
		var got receiptEDU
		assertNoError(t, json.Unmarshal(edu, &got))
		want := receiptEDU{
			Type: "m.receipt",
			Content: map[string]receiptContent{
				"$a": {Read: map[string]receiptInfo{"@alice:localhost": {TS: 1}}},
				"$b": {Read: map[string]receiptInfo{"@bob:localhost": {TS: 2, ThreadID: "$t"}}},
			},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("ReceiptSummary: got %+v want %+v", got, want)
		}
	})
}

func TestAdvanceReceipts(t *testing.T) {
	withStorage(t, func(t *testing.T, store *Storage) {
		table := store.ReceiptTable
		roomID := "!advance:localhost"
		alice := "@alice:localhost"
		receipt := func(eventID string, ts float64) internal.Receipt {
			return internal.Receipt{RoomID: roomID, EventID: eventID, UserID: alice, TS: ts, ThreadID: "$thread"}
		}
		testCases := []struct {
			name      string
			incoming  internal.Receipt
			want      internal.Receipt
			wantWrite bool
		}{
			{name: "missing row is inserted", incoming: receipt("$a", 100), want: receipt("$a", 100), wantWrite: true},
			{name: "newer ts replaces", incoming: receipt("$b", 200), want: receipt("$b", 200), wantWrite: true},
			{name: "equal ts is ignored", incoming: receipt("$c", 200), want: receipt("$b", 200)},
			{name: "older ts is ignored", incoming: receipt("$d", 150), want: receipt("$b", 200)},
		}
		for _, tc := range testCases {
			mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
				written, err := table.AdvanceReceipts(txn, []internal.Receipt{tc.incoming})
				assertNoError(t, err)
				if tc.wantWrite {
					parsedReceiptsEqual(t, written, []internal.Receipt{tc.incoming})
				} else if len(written) != 0 {
					t.Errorf("%s: got written %+v, want none", tc.name, written)
				}
				got, err := table.SelectReceipt(txn, roomID, alice, "$thread")
				assertNoError(t, err)
				if got == nil || !reflect.DeepEqual(*got, tc.want) {
					t.Errorf("%s: stored %+v want %+v", tc.name, got, tc.want)
				}
				return nil
			})
		}
	})
}

// A transaction which read an old receipt must not move it backwards when another transaction
// committed a newer one in the meantime.
func TestAdvanceReceiptsAfterConcurrentCommit(t *testing.T) {
	withStorage(t, func(t *testing.T, store *Storage) {
		if store.DB.DriverName() != DriverPostgres {
			t.Skip("sqlite serialises transactions on its single connection")
		}
		table := store.ReceiptTable
		roomID := "!advance-concurrent:localhost"
		alice := "@alice:localhost"
		receipt := func(eventID string, ts float64) internal.Receipt {
			return internal.Receipt{RoomID: roomID, EventID: eventID, UserID: alice, TS: ts, ThreadID: internal.ThreadIDMainOrNil}
		}
		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			return table.UpsertReceipts(txn, []internal.Receipt{receipt("$ev1", 100)})
		})

		slow, err := store.DB.Beginx()
		assertNoError(t, err)
		defer slow.Rollback()
		old, err := table.SelectReceipt(slow, roomID, alice, internal.ThreadIDMainOrNil)
		assertNoError(t, err)
		if old == nil || old.TS != 100 {
			t.Fatalf("SelectReceipt: got %+v", old)
		}

		mustTxn(t, store.DB, func(txn *sqlx.Tx) error {
			_, err := table.AdvanceReceipts(txn, []internal.Receipt{receipt("$ev3", 300)})
			return err
		})

		written, err := table.AdvanceReceipts(slow, []internal.Receipt{receipt("$ev2", 200)})
		assertNoError(t, err)
		if len(written) != 0 {
			t.Fatalf("AdvanceReceipts wrote %+v over a newer receipt", written)
		}
		assertNoError(t, slow.Commit())

		got, err := table.SelectReceiptsForUser([]string{roomID}, alice)
		assertNoError(t, err)
		parsedReceiptsEqual(t, got[roomID], []internal.Receipt{receipt("$ev3", 300)})
	})
}
