package call

import (
	"errors"
	"fmt"
)

var (
	ErrBusy           = errors.New("call: a call is already in progress")
	ErrNoIncomingCall = errors.New("call: no such incoming call")
	ErrNoActiveCall   = errors.New("call: no active call")
	// ErrAbandoned is returned by an operation whose call was hung up while
	// it was still running. Its results were discarded.
	ErrAbandoned = errors.New("call: abandoned")
	ErrSelfCall  = errors.New("call: cannot call yourself")
)

// Class groups failures the way the UI reports them.
type Class string

const (
	MediaFailure       Class = "media"
	SignalingFailure   Class = "signaling"
	NegotiationFailure Class = "negotiation"
	ConnectionFailure  Class = "connection"
)

// Error is a failed call operation. The call has already been cleaned up
// when it is returned.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
