package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry re-panics after reporting the panic to sentry. Call it via defer at
// the top of every goroutine.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData == nil {
		return
	}
	sentry.CurrentHub().Recover(panicData)
	sentry.Flush(time.Second * 5)
	panic(panicData)
}

// CaptureRoomError sends err to sentry tagged with the room it relates to.
func CaptureRoomError(ctx context.Context, roomID string, err error) {
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("room_id", roomID)
		hub.CaptureException(fmt.Errorf("room %s: %w", roomID, err))
	})
}
