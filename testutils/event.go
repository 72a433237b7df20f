package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// NewEvent makes a timeline event. If eventID is empty one is generated.
func NewEvent(t *testing.T, eventID, sender string, originServerTS uint64) json.RawMessage {
	t.Helper()
	if eventID == "" {
		eventID = generateEventID()
	}
	e := struct {
		Type           string                 `json:"type"`
		Sender         string                 `json:"sender"`
		Content        map[string]interface{} `json:"content"`
		EventID        string                 `json:"event_id"`
		OriginServerTS uint64                 `json:"origin_server_ts"`
	}{
		Type:           "m.room.message",
		Sender:         sender,
		Content:        map[string]interface{}{"msgtype": "m.text", "body": eventID},
		EventID:        eventID,
		OriginServerTS: originServerTS,
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

// Receipt describes one m.read receipt for NewReceiptEDU. A zero TS omits the ts key.
type Receipt struct {
	EventID  string
	UserID   string
	TS       float64
	ThreadID string
}

// NewReceiptEDU makes an m.receipt ephemeral event holding these receipts.
func NewReceiptEDU(t *testing.T, receipts ...Receipt) json.RawMessage {
	t.Helper()
	content := map[string]map[string]map[string]map[string]interface{}{}
	for _, r := range receipts {
		if content[r.EventID] == nil {
			content[r.EventID] = map[string]map[string]map[string]interface{}{
				"m.read": {},
			}
		}
		info := map[string]interface{}{}
		if r.TS != 0 {
			info["ts"] = r.TS
		}
		if r.ThreadID != "" {
			info["thread_id"] = r.ThreadID
		}
		content[r.EventID]["m.read"][r.UserID] = info
	}
	j, err := json.Marshal(map[string]interface{}{
		"type":    "m.receipt",
		"content": content,
	})
	if err != nil {
		t.Fatalf("failed to make receipt EDU: %s", err)
	}
	return j
}
