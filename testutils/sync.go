package testutils

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/sjson"
)

// SyncRoom is the part of a joined room in a sync v2 response which receipt handling reads.
type SyncRoom struct {
	Timeline  []json.RawMessage
	Ephemeral []json.RawMessage
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// EscapePath escapes a room ID so it can be used as a single gjson/sjson path component.
func EscapePath(s string) string {
	return pathEscaper.Replace(s)
}

// NewSyncResponse makes a sync v2 response JSON body with these joined rooms.
func NewSyncResponse(t *testing.T, nextBatch string, rooms map[string]SyncRoom) json.RawMessage {
	t.Helper()
	resp := []byte(`{}`)
	var err error
	resp, err = sjson.SetBytes(resp, "next_batch", nextBatch)
	if err != nil {
		t.Fatalf("NewSyncResponse: %s", err)
	}
	for roomID, room := range rooms {
		base := "rooms.join." + EscapePath(roomID)
		timeline := room.Timeline
		if timeline == nil {
			timeline = []json.RawMessage{}
		}
		ephemeral := room.Ephemeral
		if ephemeral == nil {
			ephemeral = []json.RawMessage{}
		}
		timelineJSON, _ := json.Marshal(timeline)
		ephemeralJSON, _ := json.Marshal(ephemeral)
		resp, err = sjson.SetRawBytes(resp, base+".timeline.events", timelineJSON)
		if err != nil {
			t.Fatalf("NewSyncResponse: %s", err)
		}
		resp, err = sjson.SetRawBytes(resp, base+".ephemeral.events", ephemeralJSON)
		if err != nil {
			t.Fatalf("NewSyncResponse: %s", err)
		}
	}
	return resp
}
