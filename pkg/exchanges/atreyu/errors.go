package atreyu

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("atreyu: not connected")
	ErrMalformed      = errors.New("atreyu: malformed message")
	ErrEncode         = errors.New("atreyu: cannot encode command")
	ErrIgnoredMessage = errors.New("atreyu: message carries no order update")
	ErrGateBusy       = errors.New("atreyu: exchange in progress")
	ErrLogonRejected  = errors.New("atreyu: logon rejected")
)

// TransportError reports that a request/reply exchange could not complete.
// The state of any order the command referred to is unknown afterwards.
type TransportError struct {
	Op  string // acquire, session, dial, send, receive, decode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("atreyu transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportFailure reports whether err is (or wraps) a TransportError.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
