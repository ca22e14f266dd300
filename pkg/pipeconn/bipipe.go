// Package pipeconn turns brokered pipe connections into byte streams. A Conn reads and
// writes over the two links of a pipe connection; Dial and Listen create them by name and
// version. Any two Bipipes, such as a Conn and a websocket session, can be joined with a
// Bridge.
package pipeconn

import (
	"fmt"
	"io"

	"github.com/sammck-go/asyncobj"
)

// WriteHalfCloser is implemented by bidirectional streams whose write side can be closed
// on its own, like net.TCPConn.CloseWrite. The remote reader sees EOF; local reads go on.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Bipipe is an open bidirectional byte stream with a separately closable write side and
// managed shutdown. Reads and writes may run concurrently with each other, but there is
// never more than one of each outstanding. Close is StartShutdown(nil) followed by
// WaitShutdown.
type Bipipe interface {
	fmt.Stringer
	io.ReadWriteCloser
	WriteHalfCloser
	asyncobj.AsyncShutdowner
}
