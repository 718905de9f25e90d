package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStoreClosed = errors.New("lock: store closed")
	ErrNotHeld     = errors.New("lock: not held by owner")
)

// LockedError reports a lock held elsewhere when the caller asked not to wait.
type LockedError struct {
	ID string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("lock: %q is held by another execution", e.ID)
}

// LockTimeoutError reports a wait that exceeded its timeout.
type LockTimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock: timed out after %s waiting for %q", e.Timeout, e.ID)
}

// IsContention reports whether err is a LockedError or LockTimeoutError.
func IsContention(err error) bool {
	var locked *LockedError
	var timeout *LockTimeoutError
	return errors.As(err, &locked) || errors.As(err, &timeout)
}
