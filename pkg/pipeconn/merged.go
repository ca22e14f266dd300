package pipeconn

import (
	"fmt"
	"io"
	"strings"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// mergedBipipe joins an independent reader and writer, such as stdin and stdout, into a
// Bipipe
type mergedBipipe struct {
	*asyncobj.Helper
	name        string
	r           io.Reader
	w           io.Writer
	ownReader   bool
	ownWriter   bool
	writeClosed bool
}

// NewMergedBipipe creates a Bipipe that reads from r and writes to w. A nil r reads as
// empty; a nil w discards. When ownReader or ownWriter is set the Bipipe closes that side
// on shutdown if it is an io.Closer. CloseWrite uses w's own CloseWrite when it has one,
// and otherwise closes w if it is owned.
func NewMergedBipipe(log logger.Logger, name string, r io.Reader, w io.Writer, ownReader bool, ownWriter bool) Bipipe {
	if r == nil {
		r = strings.NewReader("")
	}
	if w == nil {
		w = io.Discard
	}
	bp := &mergedBipipe{
		name:      fmt.Sprintf("<Merged %s>", name),
		r:         r,
		w:         w,
		ownReader: ownReader,
		ownWriter: ownWriter,
	}
	bp.Helper = asyncobj.NewHelper(log.ForkLogStr(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *mergedBipipe) String() string {
	return bp.name
}

// Read may block indefinitely, so it does not defer shutdown
func (bp *mergedBipipe) Read(p []byte) (int, error) {
	return bp.r.Read(p)
}

func (bp *mergedBipipe) Write(p []byte) (int, error) {
	err := bp.DeferShutdown()
	defer bp.UndeferShutdown()
	if err != nil {
		return 0, err
	}
	bp.Lock.Lock()
	closed := bp.writeClosed
	bp.Lock.Unlock()
	if closed {
		return 0, ErrWriteClosed
	}
	return bp.w.Write(p)
}

func (bp *mergedBipipe) CloseWrite() error {
	err := bp.DeferShutdown()
	defer bp.UndeferShutdown()
	if err != nil {
		return err
	}
	bp.Lock.Lock()
	already := bp.writeClosed
	bp.writeClosed = true
	bp.Lock.Unlock()
	if already {
		return nil
	}
	if hc, ok := bp.w.(WriteHalfCloser); ok {
		return hc.CloseWrite()
	}
	if c, ok := bp.w.(io.Closer); ok && bp.ownWriter {
		return c.Close()
	}
	return nil
}

func (bp *mergedBipipe) HandleOnceShutdown(completionErr error) error {
	if c, ok := bp.r.(io.Closer); ok && bp.ownReader {
		if err := c.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	bp.Lock.Lock()
	writeClosed := bp.writeClosed
	bp.writeClosed = true
	bp.Lock.Unlock()
	if c, ok := bp.w.(io.Closer); ok && bp.ownWriter {
		_, halfCloser := bp.w.(WriteHalfCloser)
		if !writeClosed || halfCloser {
			if err := c.Close(); err != nil && completionErr == nil {
				completionErr = err
			}
		}
	}
	return completionErr
}
