package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("reconcile: reconciler stopped")
	// ErrUnknownLocalID is returned when a local id has no optimistic entry.
	ErrUnknownLocalID = errors.New("reconcile: unknown optimistic id")
	// ErrDiscarded resolves the ticket of an optimistic insert removed by Discard.
	ErrDiscarded = errors.New("reconcile: optimistic insert discarded")
)

// ConfirmationTimeoutError resolves the ticket of an optimistic insert that
// the server did not confirm in time. The entry stays visible in the
// failed-unconfirmed state until it is discarded or a late confirmation
// arrives.
type ConfirmationTimeoutError struct {
	LocalID        string
	CorrelationKey string
	Timeout        time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("reconcile: optimistic insert %s (key %q) not confirmed within %s",
		e.LocalID, e.CorrelationKey, e.Timeout)
}
