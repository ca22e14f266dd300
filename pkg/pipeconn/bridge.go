package pipeconn

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// DefaultBufferSize is the copy buffer size used by a Bridge when none is given
const DefaultBufferSize = 32 * 1024

var lastBridgeNum int64

// Bridge copies bytes in both directions between two Bipipes it owns. When one side
// reaches EOF, the write side of the other is closed; when both directions are done, or
// either fails, both Bipipes are shut down along with the Bridge.
type Bridge struct {
	*asyncobj.Helper
	name    string
	pipes   [2]Bipipe
	written [2]uint64
	copying sync.WaitGroup
}

// NewBridge starts bridging a and b. bufferSize 0 selects DefaultBufferSize. The returned
// Bridge is already active; WaitShutdown returns once both directions are finished.
func NewBridge(log logger.Logger, a Bipipe, b Bipipe, bufferSize int) *Bridge {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	br := &Bridge{
		name:  fmt.Sprintf("<Bridge#%d %v<=>%v>", atomic.AddInt64(&lastBridgeNum, 1), a, b),
		pipes: [2]Bipipe{a, b},
	}
	br.Helper = asyncobj.NewHelper(log.ForkLogStr(br.name), br)
	br.SetIsActivated()
	br.copying.Add(2)
	go br.copy(0, 1, bufferSize)
	go br.copy(1, 0, bufferSize)
	go func() {
		br.copying.Wait()
		br.StartShutdown(nil)
	}()
	return br
}

func (br *Bridge) String() string {
	return br.name
}

// NumBytesWritten returns how many bytes have been written to pipe i (0 or 1) so far
func (br *Bridge) NumBytesWritten(i int) uint64 {
	return atomic.LoadUint64(&br.written[i])
}

// copy runs in its own goroutine and moves one direction until EOF or error
func (br *Bridge) copy(from int, to int, bufferSize int) {
	defer br.copying.Done()
	src := br.pipes[from]
	dst := br.pipes[to]
	buf := make([]byte, bufferSize)
	var err error
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			nw, werr := dst.Write(buf[:n])
			if nw > 0 {
				atomic.AddUint64(&br.written[to], uint64(nw))
			}
			if werr == nil && nw < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if err == nil {
		br.DLogf("EOF from %v; closing write side of %v after %s", src, dst, sizestr.ToString(int64(br.NumBytesWritten(to))))
		err = dst.CloseWrite()
	}
	if err != nil {
		if br.IsStartedShutdown() {
			br.DLogf("Copy to %v ended during shutdown: %s", dst, err)
		} else {
			br.ILogf("Copy to %v failed; shutting down: %s", dst, err)
			br.StartShutdown(err)
		}
	}
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own goroutine. It
// shuts down both Bipipes and waits for the copiers to stop.
func (br *Bridge) HandleOnceShutdown(completionErr error) error {
	for _, p := range br.pipes {
		p.StartShutdown(completionErr)
	}
	br.copying.Wait()
	for _, p := range br.pipes {
		if err := p.WaitShutdown(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	br.DLogf("Done: %s to %v, %s to %v",
		sizestr.ToString(int64(br.NumBytesWritten(1))), br.pipes[1],
		sizestr.ToString(int64(br.NumBytesWritten(0))), br.pipes[0])
	return completionErr
}
