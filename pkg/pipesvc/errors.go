package pipesvc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionNotFound matches every *ConnectionNotFoundError with errors.Is
	ErrConnectionNotFound = errors.New("pipesvc: connection not found")

	// ErrAborted is returned by AcceptByServer when the pending accept was cancelled by
	// closing the server
	ErrAborted = errors.New("pipesvc: accept aborted")

	// ErrNotBound is returned for server operations on a Protocol that was never bound
	// as a server
	ErrNotBound = errors.New("pipesvc: not bound as a server")
)

// ConnectionNotFoundError is returned when the broker refuses a bind or accept, with the
// reason it gave
type ConnectionNotFoundError struct {
	Reason string
}

func (e *ConnectionNotFoundError) Error() string {
	return "pipe connection not found: " + e.Reason
}

// Is makes errors.Is(err, ErrConnectionNotFound) true
func (e *ConnectionNotFoundError) Is(target error) bool {
	return target == ErrConnectionNotFound
}

// ProtocolError reports a failure to communicate with the broker, or a reply that does not
// follow the protocol
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cannot communicate with pipe service: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
