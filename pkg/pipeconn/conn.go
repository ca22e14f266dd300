package pipeconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipesvc"
)

// closeOutputCommand is sent as a string message after the last data message
const closeOutputCommand = "closeOutputStream"

// ErrWriteClosed is returned by Write after CloseWrite
var ErrWriteClosed = errors.New("pipeconn: write side closed")

var lastConnNum int64

// Conn is a byte stream over a brokered pipe connection. Each Write becomes one data
// message on the outbound link; CloseWrite sends an end-of-stream marker and closes the
// outbound link.
type Conn struct {
	*asyncobj.Helper
	name  string
	proto *pipesvc.Protocol
	in    link.Link
	out   link.Link

	// readLock serializes Read and guards pending and readDone
	readLock sync.Mutex
	pending  []byte
	readDone error

	// writeClosed is guarded by Helper.Lock
	writeClosed bool

	nbRead    int64
	nbWritten int64
}

// NewConn wraps the links of a bound client or accepted Protocol. The Conn takes ownership
// of the links and closes them on shutdown.
func NewConn(log logger.Logger, proto *pipesvc.Protocol) *Conn {
	c := &Conn{
		name:  fmt.Sprintf("<PipeConn#%d %s@%s>", atomic.AddInt64(&lastConnNum, 1), proto.ServerName(), proto.ServerVersionActual()),
		proto: proto,
		in:    proto.InboundLink(),
		out:   proto.OutboundLink(),
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogStr(c.name), c)
	c.SetIsActivated()
	return c
}

func (c *Conn) String() string {
	return c.name
}

// Protocol returns the pipe connection the Conn runs over
func (c *Conn) Protocol() *pipesvc.Protocol {
	return c.proto
}

// NumBytesRead returns the number of bytes returned by Read so far
func (c *Conn) NumBytesRead() int64 {
	return atomic.LoadInt64(&c.nbRead)
}

// NumBytesWritten returns the number of bytes accepted by Write so far
func (c *Conn) NumBytesWritten() int64 {
	return atomic.LoadInt64(&c.nbWritten)
}

// Read reads data sent by the peer. It returns io.EOF once the peer has closed its write
// side. Read does not defer shutdown, since it may block indefinitely; shutdown closes
// the links, which unblocks it.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.readLock.Lock()
	defer c.readLock.Unlock()
	for len(c.pending) == 0 {
		if c.readDone != nil {
			return 0, c.readDone
		}
		if c.IsStartedShutdown() {
			return 0, c.Errorf("Read after shutdown")
		}
		msg, err := c.in.Receive(context.Background())
		if err != nil {
			if errors.Is(err, link.ErrClosed) {
				c.readDone = io.EOF
				continue
			}
			return 0, err
		}
		switch msg.Kind() {
		case link.KindData:
			c.pending, _ = msg.ExtractData()
		case link.KindString:
			cmd, _ := msg.ExtractString()
			if cmd == closeOutputCommand {
				c.DLogf("Peer closed its write side")
				c.readDone = io.EOF
			} else {
				c.readDone = c.Errorf("Unsupported command: %q", cmd)
			}
		default:
			c.readDone = c.Errorf("Unexpected %s message on data link", msg.Kind())
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	atomic.AddInt64(&c.nbRead, int64(n))
	return n, nil
}

// Write sends p to the peer as a single data message. It never blocks on the peer.
func (c *Conn) Write(p []byte) (int, error) {
	err := c.DeferShutdown()
	defer c.UndeferShutdown()
	if err != nil {
		return 0, err
	}
	c.Lock.Lock()
	closed := c.writeClosed
	c.Lock.Unlock()
	if closed {
		return 0, ErrWriteClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	err = c.out.Send(link.NewDataMessage(p))
	if err != nil {
		if errors.Is(err, link.ErrClosed) {
			return 0, io.ErrClosedPipe
		}
		return 0, err
	}
	atomic.AddInt64(&c.nbWritten, int64(len(p)))
	return len(p), nil
}

// CloseWrite tells the peer no more data is coming. Repeated calls have no effect.
func (c *Conn) CloseWrite() error {
	err := c.DeferShutdown()
	defer c.UndeferShutdown()
	if err != nil {
		return err
	}
	c.Lock.Lock()
	already := c.writeClosed
	c.writeClosed = true
	c.Lock.Unlock()
	if !already {
		c.DLogf("Closing write side after %d bytes", c.NumBytesWritten())
		c.closeOutput()
	}
	return nil
}

func (c *Conn) closeOutput() {
	if c.out.IsOpen() {
		// the peer may already have closed the link
		c.out.Send(link.NewStringMessage(closeOutputCommand))
	}
	c.out.Close()
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own goroutine. It
// ends the stream in both directions.
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	c.Lock.Lock()
	already := c.writeClosed
	c.writeClosed = true
	c.Lock.Unlock()
	if !already {
		c.closeOutput()
	}
	c.proto.CloseClient()
	c.DLogf("Closed after reading %d and writing %d bytes", c.NumBytesRead(), c.NumBytesWritten())
	return completionErr
}
