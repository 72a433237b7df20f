package internal

const (
	// ThreadIDMain is the thread ID servers send for receipts on the main timeline.
	ThreadIDMain = "main"
	// ThreadIDMainOrNil is the collapsed channel which holds the read position for both
	// unthreaded receipts and receipts on the main timeline. It never appears on the wire.
	ThreadIDMainOrNil = "main_or_nil"
)

// Receipt is one user's read marker for one channel of one room.
type Receipt struct {
	RoomID   string  `db:"room_id"`
	EventID  string  `db:"event_id"`
	UserID   string  `db:"user_id"`
	TS       float64 `db:"ts"`
	ThreadID string  `db:"thread_id"`
}

// IsUnified returns true if this receipt lives on the collapsed main/unthreaded channel.
func (r Receipt) IsUnified() bool {
	return r.ThreadID == ThreadIDMainOrNil
}

// ReceiptMeta is the per-user data attached to a receipt in an m.receipt EDU.
// An empty ThreadID means the receipt was unthreaded.
type ReceiptMeta struct {
	TS       float64 `cbor:"1,keyasint" json:"ts"`
	ThreadID string  `cbor:"2,keyasint,omitempty" json:"thread_id,omitempty"`
}

// ReceiptPayload is a decoded batch of m.read receipts for a single room: event_id -> user_id -> meta
type ReceiptPayload map[string]map[string]ReceiptMeta

// NumReceipts returns the total number of (event, user) receipts in this payload.
func (p ReceiptPayload) NumReceipts() int {
	n := 0
	for _, users := range p {
		n += len(users)
	}
	return n
}

// IsMainOrUnthreaded returns true if receipts with this thread ID collapse into ThreadIDMainOrNil.
func IsMainOrUnthreaded(threadID string) bool {
	return threadID == "" || threadID == ThreadIDMain
}

// StorageThreadID maps a thread ID as seen on the wire to the thread ID it is stored under.
// Unthreaded receipts are stored on the collapsed channel, everything else verbatim.
func StorageThreadID(threadID string) string {
	if threadID == "" {
		return ThreadIDMainOrNil
	}
	return threadID
}
