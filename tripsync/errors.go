package tripsync

import (
	"errors"
	"fmt"
)

// `*DecodeError` and `*PathError` are declared next to the codec and the patch engine.

var ErrGapTimeout = errors.New("gap timeout: missing counter was not received")
var ErrJoinTimeout = errors.New("join timeout: join was not acknowledged")
var ErrSessionClosed = errors.New("session closed")
var ErrSessionFailed = errors.New("session failed")
var ErrNotJoined = errors.New("session is not joined")
var ErrSocketClosed = errors.New("socket closed")

// Close was called while the session was not joined. The session leaves without joining.
var errCloseRequested = errors.New("close requested")

var errResyncLimit = errors.New("resync limit")

type TransportError struct {
	Op  string
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", self.Op, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// resync errors mean the local document can no longer follow the sequence
func isResyncError(err error) bool {
	var pathErr *PathError
	return errors.As(err, &pathErr) || errors.Is(err, ErrGapTimeout)
}
