package pipeconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipesvc"
)

// Dial connects to the most recently registered server named name whose version is at
// least version, and returns the stream to it
func Dial(ctx context.Context, log logger.Logger, client *pipesvc.ServiceClient, name string, version string) (*Conn, error) {
	p := pipesvc.NewProtocol(client)
	err := p.BindClient(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return NewConn(log, p), nil
}

// Listener is a bound pipe server. Closing it deregisters the server and aborts a pending
// Accept.
type Listener struct {
	*asyncobj.Helper
	name  string
	proto *pipesvc.Protocol
}

// Listen registers a server named name at version
func Listen(ctx context.Context, log logger.Logger, client *pipesvc.ServiceClient, name string, version string) (*Listener, error) {
	p := pipesvc.NewProtocol(client)
	err := p.BindServer(ctx, name, version)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		name:  fmt.Sprintf("<PipeListener#%d %s@%s>", p.ServerInstanceID(), name, version),
		proto: p,
	}
	l.Helper = asyncobj.NewHelper(log.ForkLogStr(l.name), l)
	l.SetIsActivated()
	return l, nil
}

func (l *Listener) String() string {
	return l.name
}

// ServerInstanceID returns the id the broker assigned to the server
func (l *Listener) ServerInstanceID() int64 {
	return l.proto.ServerInstanceID()
}

// Accept waits for the next client. It does not defer shutdown; closing the Listener
// aborts it.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if l.IsStartedShutdown() {
		return nil, l.Errorf("Listener is closed")
	}
	p, err := l.proto.AcceptByServer(ctx)
	if err != nil {
		if errors.Is(err, pipesvc.ErrAborted) && l.IsStartedShutdown() {
			return nil, l.Errorf("Listener is closed")
		}
		return nil, err
	}
	c := NewConn(l.Logger, p)
	l.DLogf("Accepted %s", c)
	return c, nil
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own goroutine. It
// deregisters the server.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	err := l.proto.CloseServer(context.Background())
	if err != nil {
		l.DLogf("CloseServer failed: %s", err)
		if completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}
