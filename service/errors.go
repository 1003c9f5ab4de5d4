package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/attendance/core"
)

// ErrNotConfirmed means a write completed without confirming isActive=true
var ErrNotConfirmed = errors.New("store did not confirm the session active")

// storeError reclassifies a raw store error into the taxonomy.
// Anything that is not a known domain outcome is transient.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrAttendanceExists),
		errors.Is(err, core.ErrAttendanceNotFound),
		errors.Is(err, core.ErrTransientStore):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientStore, err)
	}
}

// withTimeout bounds one store call. A non-positive d only adds cancellation.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
