package liveness

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound device has never reported and was not loaded at startup.
	ErrNotFound = errors.New("device not tracked")
	// ErrStaleUpdate returned only when stale rejection is enabled.
	ErrStaleUpdate = errors.New("stale status update ignored")
)

// TransientStoreError wraps a persistence failure. The in-memory record is already
// updated. A failed status write is superseded by the device's next report; a failed
// offline write is queued and retried by the next sweep.
type TransientStoreError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("liveness %s for device %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
