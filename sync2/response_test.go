package sync2

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/testutils"
)

func TestParseSyncResponse(t *testing.T) {
	alice := "@alice:localhost"
	roomA := "!a.b:localhost"
	roomB := "!b:localhost"
	body := testutils.NewSyncResponse(t, "s1", map[string]testutils.SyncRoom{
		roomA: {
			Timeline: []json.RawMessage{
				testutils.NewEvent(t, "$1", alice, 1000),
				testutils.NewEvent(t, "$2", alice, 2000),
			},
			Ephemeral: []json.RawMessage{
				json.RawMessage(`{"type":"m.typing","content":{"user_ids":["@alice:localhost"]}}`),
				testutils.NewReceiptEDU(t, testutils.Receipt{EventID: "$1", UserID: alice, TS: 10}),
				testutils.NewReceiptEDU(t, testutils.Receipt{EventID: "$2", UserID: alice, TS: 20, ThreadID: "main"}),
			},
		},
		roomB: {
			Timeline: []json.RawMessage{testutils.NewEvent(t, "$3", alice, 3000)},
		},
	})
	resp, err := ParseSyncResponse(body)
	if err != nil {
		t.Fatalf("ParseSyncResponse: %s", err)
	}
	if resp.NextBatch != "s1" {
		t.Errorf("NextBatch: got %q", resp.NextBatch)
	}
	if len(resp.Rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(resp.Rooms))
	}
	if got := len(resp.Rooms[roomA].Timeline); got != 2 {
		t.Errorf("room A timeline: got %d events", got)
	}
	wantReceipts := internal.ReceiptPayload{
		"$1": {alice: {TS: 10}},
		"$2": {alice: {TS: 20, ThreadID: "main"}},
	}
	if diff := cmp.Diff(wantReceipts, resp.Rooms[roomA].Receipts); diff != "" {
		t.Errorf("room A receipts mismatch (-want +got):\n%s", diff)
	}
	if resp.Rooms[roomB].Receipts != nil {
		t.Errorf("room B: want nil receipts, got %+v", resp.Rooms[roomB].Receipts)
	}
	if resp.NumReceipts() != 2 {
		t.Errorf("NumReceipts: got %d", resp.NumReceipts())
	}
}

func TestParseSyncResponseInvalid(t *testing.T) {
	for _, body := range []string{``, `{"rooms":`, `[]`} {
		if _, err := ParseSyncResponse([]byte(body)); err == nil {
			t.Errorf("ParseSyncResponse(%q): want error", body)
		}
	}
	resp, err := ParseSyncResponse([]byte(`{"next_batch":"x"}`))
	if err != nil {
		t.Fatalf("ParseSyncResponse: %s", err)
	}
	if len(resp.Rooms) != 0 {
		t.Errorf("want no rooms, got %+v", resp.Rooms)
	}
}
