// Package appctx provides context utilities for work that must outlive
// the caller.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that keeps the parent's values but not its
// cancellation, bounded by timeout. Use it for announcements after a
// commit: once the store transaction succeeded, the events go out even
// when the caller has already gone away.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
