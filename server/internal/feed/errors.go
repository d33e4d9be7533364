package feed

import "fmt"

// TransportError reports a lost or failed subscription. The subscriber
// recovers from it by refetching and resubscribing.
type TransportError struct {
	Op  string // dial, subscribe, recv
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("feed: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedEventError reports a change event that failed decoding or schema
// validation. The event is dropped and the stream continues.
type MalformedEventError struct {
	Table  string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed: malformed %s event: %s: %v", e.Table, e.Reason, e.Err)
	}
	return fmt.Sprintf("feed: malformed %s event: %s", e.Table, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }
