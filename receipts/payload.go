package receipts

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/receipt-sync/internal"
)

const (
	receiptEventType = "m.receipt"
	receiptTypeRead  = "m.read"
)

// ParsePayload decodes the content of an m.receipt EDU:
//
//	{ $event_id: { "m.read": { @user_id: { "ts": 1436451550453, "thread_id": "main" } } } }
//
// Only m.read receipts are kept. A missing or non-numeric ts decodes as 0. Malformed entries,
// entries with an empty event or user ID, and entries claiming the internal main_or_nil thread,
// are dropped rather than failing the whole payload.
func ParsePayload(content []byte) internal.ReceiptPayload {
	payload := make(internal.ReceiptPayload)
	parsed := gjson.ParseBytes(content)
	if !parsed.IsObject() {
		return payload
	}
	parsed.ForEach(func(eventKey, eventValue gjson.Result) bool {
		eventID := eventKey.Str
		if eventID == "" || !eventValue.IsObject() {
			return true
		}
		read := eventValue.Get(`m\.read`)
		if !read.IsObject() {
			return true
		}
		read.ForEach(func(userKey, userValue gjson.Result) bool {
			userID := userKey.Str
			if userID == "" || !userValue.IsObject() {
				return true
			}
			meta := internal.ReceiptMeta{
				ThreadID: userValue.Get("thread_id").Str,
			}
			if meta.ThreadID == internal.ThreadIDMainOrNil {
				logger.Warn().Str("event", eventID).Str("user", userID).Msg("dropping receipt with a reserved thread_id")
				return true
			}
			if ts := userValue.Get("ts"); ts.Type == gjson.Number {
				meta.TS = ts.Num
			}
			users := payload[eventID]
			if users == nil {
				users = make(map[string]internal.ReceiptMeta)
				payload[eventID] = users
			}
			users[userID] = meta
			return true
		})
		return true
	})
	return payload
}

// ParseEDU decodes a whole m.receipt ephemeral event. Events of any other type give an empty payload.
func ParseEDU(edu []byte) internal.ReceiptPayload {
	parsed := gjson.ParseBytes(edu)
	if parsed.Get("type").Str != receiptEventType {
		return make(internal.ReceiptPayload)
	}
	return ParsePayload([]byte(parsed.Get("content").Raw))
}

// NewLocalReceipt makes a payload holding a single receipt sent by this client, in the same shape
// the server would echo it back in. An empty threadID makes an unthreaded receipt.
func NewLocalReceipt(eventID, userID, threadID string, ts float64) internal.ReceiptPayload {
	return internal.ReceiptPayload{
		eventID: {
			userID: {
				TS:       ts,
				ThreadID: threadID,
			},
		},
	}
}

// MarshalPayload encodes the payload as m.receipt EDU content.
func MarshalPayload(p internal.ReceiptPayload) (json.RawMessage, error) {
	content := make(map[string]map[string]map[string]internal.ReceiptMeta, len(p))
	for eventID, users := range p {
		content[eventID] = map[string]map[string]internal.ReceiptMeta{
			receiptTypeRead: users,
		}
	}
	return json.Marshal(content)
}
