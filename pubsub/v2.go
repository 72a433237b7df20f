package pubsub

import (
	"github.com/matrix-org/receipt-sync/internal"
)

// The channel which has V2* payloads
const ChanV2 = "v2ch"

// V2Listener is told about changes made while handling sync responses.
type V2Listener interface {
	OnReceipt(p *V2Receipt)
	OnRoomPurged(p *V2RoomPurged)
}

// V2Receipt lists the stored receipts which changed in a room.
type V2Receipt struct {
	RoomID   string
	Receipts []internal.Receipt
}

func (v V2Receipt) Type() string { return "r" }

// V2RoomPurged is sent when everything stored for a room has been deleted.
type V2RoomPurged struct {
	RoomID string
}

func (v V2RoomPurged) Type() string { return "p" }

type V2Sub struct {
	listener Listener
	receiver V2Listener
}

func NewV2Sub(l Listener, recv V2Listener) *V2Sub {
	return &V2Sub{
		listener: l,
		receiver: recv,
	}
}

func (v *V2Sub) Teardown() {
	v.listener.Close()
}

func (v *V2Sub) onMessage(p Payload) {
	switch p.Type() {
	case V2Receipt{}.Type():
		v.receiver.OnReceipt(p.(*V2Receipt))
	case V2RoomPurged{}.Type():
		v.receiver.OnRoomPurged(p.(*V2RoomPurged))
	default:
		logger.Warn().Str("type", p.Type()).Msg("V2Sub: unknown payload type")
	}
}

func (v *V2Sub) Listen() error {
	return v.listener.Listen(ChanV2, v.onMessage)
}
