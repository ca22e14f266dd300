package wsgate

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipeconn"
)

// Subprotocol is the websocket subprotocol spoken by the gateway. Binary messages carry
// stream data; a text message holding closeWriteCommand ends one direction.
const Subprotocol = "wspipe-v1"

const closeWriteCommand = "closeWrite"

// CloseNotFound is the websocket close code sent when the requested pipe cannot be bound
const CloseNotFound = 4004

var lastWSNum int64

var errPeerGone = errors.New("websocket peer went away")

// wsBipipe is a Bipipe over a websocket connection; it owns the connection
type wsBipipe struct {
	*asyncobj.Helper
	name string
	ws   *websocket.Conn

	// readLock serializes reads and guards reader, readErr and peerClosed
	readLock   sync.Mutex
	reader     io.Reader
	readErr    error
	peerClosed bool

	// writeLock serializes writes to ws and guards writeClosed
	writeLock   sync.Mutex
	writeClosed bool
}

// NewWebsocketBipipe wraps ws as a Bipipe
func NewWebsocketBipipe(log logger.Logger, ws *websocket.Conn) pipeconn.Bipipe {
	return newWSBipipe(log, ws)
}

func newWSBipipe(log logger.Logger, ws *websocket.Conn) *wsBipipe {
	bp := &wsBipipe{
		name: fmt.Sprintf("<WS#%d %v>", atomic.AddInt64(&lastWSNum, 1), ws.RemoteAddr()),
		ws:   ws,
	}
	bp.Helper = asyncobj.NewHelper(log.ForkLogStr(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *wsBipipe) String() string {
	return bp.name
}

// nextMessageLocked waits for the next data message and makes it the current reader.
// Must be called with readLock held.
func (bp *wsBipipe) nextMessageLocked() error {
	for bp.reader == nil {
		if bp.readErr != nil {
			return bp.readErr
		}
		mt, r, err := bp.ws.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			bp.peerClosed = true
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					bp.readErr = io.EOF
				} else {
					bp.readErr = fmt.Errorf("websocket closed by peer: %d %s", ce.Code, ce.Text)
				}
			} else {
				bp.readErr = err
			}
			continue
		}
		if mt == websocket.TextMessage {
			b, err := io.ReadAll(r)
			if err != nil {
				bp.readErr = err
			} else if string(b) == closeWriteCommand {
				bp.DLogf("Peer closed its write side")
				bp.readErr = io.EOF
			} else {
				bp.readErr = bp.Errorf("Unsupported command: %q", string(b))
			}
			continue
		}
		bp.reader = r
	}
	return nil
}

// awaitFirstMessage blocks until the peer sends something or goes away. It returns nil
// if data arrived or the peer only closed its write side.
func (bp *wsBipipe) awaitFirstMessage() error {
	bp.readLock.Lock()
	defer bp.readLock.Unlock()
	err := bp.nextMessageLocked()
	if bp.peerClosed {
		if err == io.EOF {
			err = errPeerGone
		}
		return err
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// Read does not defer shutdown; shutdown closes the websocket, which unblocks it
func (bp *wsBipipe) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	bp.readLock.Lock()
	defer bp.readLock.Unlock()
	for {
		if err := bp.nextMessageLocked(); err != nil {
			return 0, err
		}
		n, err := bp.reader.Read(p)
		if err == io.EOF {
			bp.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (bp *wsBipipe) Write(p []byte) (int, error) {
	err := bp.DeferShutdown()
	defer bp.UndeferShutdown()
	if err != nil {
		return 0, err
	}
	bp.writeLock.Lock()
	defer bp.writeLock.Unlock()
	if bp.writeClosed {
		return 0, pipeconn.ErrWriteClosed
	}
	if err := bp.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (bp *wsBipipe) CloseWrite() error {
	err := bp.DeferShutdown()
	defer bp.UndeferShutdown()
	if err != nil {
		return err
	}
	bp.writeLock.Lock()
	defer bp.writeLock.Unlock()
	if bp.writeClosed {
		return nil
	}
	bp.writeClosed = true
	return bp.ws.WriteMessage(websocket.TextMessage, []byte(closeWriteCommand))
}

// closeWithReason sends a close frame carrying code and reason, then shuts down
func (bp *wsBipipe) closeWithReason(code int, reason string) error {
	bp.writeLock.Lock()
	bp.writeClosed = true
	bp.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	bp.writeLock.Unlock()
	return bp.Close()
}

func (bp *wsBipipe) HandleOnceShutdown(completionErr error) error {
	bp.writeLock.Lock()
	bp.writeClosed = true
	bp.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	bp.writeLock.Unlock()
	if err := bp.ws.Close(); err != nil {
		bp.DLogf("Close of websocket failed, ignoring: %s", err)
	}
	return completionErr
}
