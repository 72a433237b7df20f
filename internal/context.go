package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "receiptsync_data"
)

// logging metadata for a single processed sync response
type data struct {
	userID        string
	isInitialSync bool
	numRooms      int
	numReceipts   int
}

// SyncContext prepares a context so it can carry metadata about the sync response being processed.
func SyncContext(ctx context.Context, userID string, isInitialSync bool) context.Context {
	d := &data{
		userID:        userID,
		isInitialSync: isInitialSync,
		numRooms:      -1,
		numReceipts:   -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetSyncContextCounts records how large the response was. Need to have called SyncContext first.
func SetSyncContextCounts(ctx context.Context, numRooms, numReceipts int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numRooms = numRooms
	da.numReceipts = numReceipts
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.isInitialSync {
		l = l.Bool("initial", true)
	}
	if da.numRooms >= 0 {
		l = l.Int("r", da.numRooms)
	}
	if da.numReceipts >= 0 {
		l = l.Int("rr", da.numReceipts)
	}
	return l
}
