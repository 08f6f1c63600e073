package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bmsd/internal/bms"
	"github.com/srg/bmsd/internal/poller"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection to the BMS dropped while
	// polling. It is distinct from bms.ErrNotConnected, which means the link was
	// used before it connected or after it was closed.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a one-line message for the
// terminal.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionLost), errors.Is(err, poller.ErrDeviceLost):
		return fmt.Sprintf("lost connection to the BMS; check that it is powered and in range (%v)", err)
	case errors.Is(err, bms.ErrNotConnected):
		return "the BMS is not connected"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	default:
		return err.Error()
	}
}
