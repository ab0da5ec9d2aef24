package colibri

import "fmt"

// Allocation failures. Go has no ADTs, so the conference dispatches on the
// concrete error type to decide between giving up, retrying on another bridge
// and tearing the session down.

// SelectionFailedError: no bridge was suitable for the participant.
type SelectionFailedError struct{}

func (e *SelectionFailedError) Error() string {
	return "no suitable bridge"
}

// BridgeFailedError: the bridge is unreachable or answered with garbage. The
// bridge has been marked non-operational; when Restart is set the conference
// should discard the session and re-invite its participants elsewhere.
type BridgeFailedError struct {
	Bridge  string
	Restart bool
}

func (e *BridgeFailedError) Error() string {
	return fmt.Sprintf("bridge %s failed", e.Bridge)
}

// ConferenceExpiredError: the bridge no longer knows our conference id. The
// session must be torn down and the next allocation issues a fresh create.
type ConferenceExpiredError struct {
	Bridge  string
	Restart bool
}

func (e *ConferenceExpiredError) Error() string {
	return fmt.Sprintf("bridge %s expired the conference", e.Bridge)
}

// BadRequestError: the bridge rejected the participant's attributes. Not
// retried, the participant is simply not allocated.
type BadRequestError struct {
	Bridge string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bridge %s rejected the request: %s", e.Bridge, e.Reason)
}

// DisposedError: the manager was shut down while the request was in flight.
type DisposedError struct{}

func (e *DisposedError) Error() string {
	return "session manager disposed"
}
