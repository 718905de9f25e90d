package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownHost    = errors.New("dispatch: unknown host")
	ErrStatusNotFound = errors.New("dispatch: status not found")
)

// AbortedError reports an invocation cancelled by its caller or by an
// administrative abort.
type AbortedError struct {
	Command string
	Key     string
	Reason  string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("dispatch: %s (%s) aborted: %s", e.Command, e.Key, e.Reason)
}

// RemoteError reports a remote invocation whose terminal Status failed.
type RemoteError struct {
	Host    string
	Command string
	Errors  []string
}

func (e *RemoteError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("dispatch: %s failed on %s", e.Command, e.Host)
	}
	return fmt.Sprintf("dispatch: %s failed on %s: %s", e.Command, e.Host, e.Errors[len(e.Errors)-1])
}
