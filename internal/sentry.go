package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP integration attaches a hub to request contexts. Engine
// goroutines (replicators, the netmon ticker) are not spawned from requests,
// so they land on the fallback.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportError captures err against the hub in ctx, tagged with the device the
// failure belongs to. No-op when sentry was never configured.
func ReportError(ctx context.Context, err error, deviceID string) {
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		if deviceID != "" {
			scope.SetTag("device_id", deviceID)
		}
		hub.CaptureException(err)
	})
}
