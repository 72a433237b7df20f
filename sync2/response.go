package sync2

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/receipt-sync/internal"
	"github.com/matrix-org/receipt-sync/receipts"
	"github.com/matrix-org/receipt-sync/state"
)

// SyncResponse is the part of a sync v2 response which receipt handling needs.
type SyncResponse struct {
	NextBatch string
	// joined rooms, keyed by room ID
	Rooms map[string]SyncRoom
}

type SyncRoom struct {
	Timeline []json.RawMessage
	// Receipts is nil if the room had no m.receipt ephemeral events.
	Receipts internal.ReceiptPayload
}

// NumReceipts returns the number of receipts across all rooms.
func (r *SyncResponse) NumReceipts() int {
	n := 0
	for _, room := range r.Rooms {
		n += room.Receipts.NumReceipts()
	}
	return n
}

// ParseSyncResponse extracts joined rooms' timelines and receipts from a sync v2 response body.
// Everything else in the response is ignored.
func ParseSyncResponse(body []byte) (*SyncResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("ParseSyncResponse: body is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("ParseSyncResponse: body is not a JSON object")
	}
	resp := &SyncResponse{
		NextBatch: parsed.Get("next_batch").Str,
		Rooms:     make(map[string]SyncRoom),
	}
	parsed.Get("rooms.join").ForEach(func(key, value gjson.Result) bool {
		roomID := key.Str
		if roomID == "" || !value.IsObject() {
			return true
		}
		var room SyncRoom
		value.Get("timeline.events").ForEach(func(_, ev gjson.Result) bool {
			if ev.IsObject() {
				room.Timeline = append(room.Timeline, json.RawMessage(ev.Raw))
			}
			return true
		})
		value.Get("ephemeral.events").ForEach(func(_, ev gjson.Result) bool {
			if ev.Get("type").Str != "m.receipt" {
				return true
			}
			payload := receipts.ParseEDU([]byte(ev.Raw))
			if room.Receipts == nil {
				room.Receipts = payload
			} else {
				room.Receipts = state.MergePayloads(room.Receipts, payload)
			}
			return true
		})
		resp.Rooms[roomID] = room
		return true
	})
	return resp, nil
}
