package pipeconn

import (
	"fmt"
	"net"

	"github.com/prep/socketpair"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// netConnBipipe is a Bipipe over a net.Conn; it owns the net.Conn
type netConnBipipe struct {
	net.Conn
	*asyncobj.Helper
	name string
}

// NewNetConnBipipe wraps conn as a Bipipe that takes ownership of it. CloseWrite is passed
// through when conn supports it, as TCP and unix connections do.
func NewNetConnBipipe(log logger.Logger, conn net.Conn) Bipipe {
	bp := &netConnBipipe{
		Conn: conn,
		name: fmt.Sprintf("<NetConn %v>", conn.LocalAddr()),
	}
	bp.Helper = asyncobj.NewHelper(log.ForkLogStr(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *netConnBipipe) String() string {
	return bp.name
}

// Close shuts the bipipe down and waits for it
func (bp *netConnBipipe) Close() error {
	return bp.Helper.Close()
}

func (bp *netConnBipipe) CloseWrite() error {
	err := bp.DeferShutdown()
	defer bp.UndeferShutdown()
	if err != nil {
		return err
	}
	if hc, ok := bp.Conn.(WriteHalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (bp *netConnBipipe) HandleOnceShutdown(completionErr error) error {
	err := bp.Conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// NewNetConn exposes bp as a real net.Conn, for code that needs a socket. It creates a
// unix socketpair and bridges one end to bp; the other end is returned. Closing the
// returned conn ends the bridge, which shuts bp down.
func NewNetConn(log logger.Logger, bp Bipipe) (net.Conn, *Bridge, error) {
	local, remote, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create socketpair: %w", err)
	}
	br := NewBridge(log, bp, NewNetConnBipipe(log, remote), 0)
	return local, br, nil
}
