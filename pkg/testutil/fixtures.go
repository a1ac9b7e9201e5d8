package testutil

import (
	"context"
	"io"
	"log/slog"
	"time"

	"bulwark/pkg/requestcontext"
)

// Epoch is the fixed "now" most abuse tests start from.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Addresses from the documentation ranges (RFC 5737 / RFC 3849).
const (
	IPAttacker  = "203.0.113.10"
	IPBystander = "198.51.100.20"
	IPProxy     = "192.0.2.1"
	IPv6Client  = "2001:db8::10"
)

// At returns ctx pinned to Epoch + offset.
func At(ctx context.Context, offset time.Duration) context.Context {
	return requestcontext.WithTime(ctx, Epoch.Add(offset))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
