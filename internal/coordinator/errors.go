package coordinator

import (
	"errors"
	"fmt"
)

// ErrDeviceNotFound is returned for operations on devices the broker has
// never seen.
var ErrDeviceNotFound = errors.New("device not found")

// LeaseError is a refused lease transition. The device exists but the caller
// may not perform the operation right now; handlers map it to 403.
type LeaseError struct {
	Op     string
	UDID   string
	Reason string
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("cannot %s %s: %s", e.Op, e.UDID, e.Reason)
}
