package sysservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/task"
)

// Message is the unit of transfer on a Connection
type Message = link.Message

var (
	// ErrConnectionClosed is returned by any use of a Connection after either side has closed it
	ErrConnectionClosed = errors.New("sysservice: connection closed")

	// ErrServiceNotFound is returned by RequestService for an unregistered service ID
	ErrServiceNotFound = errors.New("sysservice: service not found")
)

// Connection is one end of a control connection between a client task and a service. It is
// made of two links, one in each direction. Messages on a connection are strictly ordered.
type Connection struct {
	name string
	peer task.ID
	in   link.Link
	out  link.Link
}

func newConnectionPair(serviceID string, client task.ID, service task.ID) (*Connection, *Connection) {
	toService := link.NewLink(client, service)
	toClient := link.NewLink(service, client)
	clientEnd := &Connection{
		name: fmt.Sprintf("<Conn %s %d->svc>", serviceID, int64(client)),
		peer: service,
		in:   toClient,
		out:  toService,
	}
	serviceEnd := &Connection{
		name: fmt.Sprintf("<Conn %s svc->%d>", serviceID, int64(client)),
		peer: client,
		in:   toService,
		out:  toClient,
	}
	return clientEnd, serviceEnd
}

func (c *Connection) String() string {
	return c.name
}

// PeerTask returns the task at the other end of the connection
func (c *Connection) PeerTask() task.ID {
	return c.peer
}

// Send sends a message to the other end without waiting for it to be received
func (c *Connection) Send(msg link.Message) error {
	err := c.out.Send(msg)
	if errors.Is(err, link.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// Receive blocks until the next message from the other end arrives
func (c *Connection) Receive(ctx context.Context) (link.Message, error) {
	msg, err := c.in.Receive(ctx)
	if errors.Is(err, link.ErrClosed) {
		return msg, ErrConnectionClosed
	}
	return msg, err
}

// IsOpen returns false once either end has closed the connection
func (c *Connection) IsOpen() bool {
	return c.in.IsOpen() && c.out.IsOpen()
}

// Close closes both directions of the connection. It is idempotent.
func (c *Connection) Close() error {
	c.out.Close()
	c.in.Close()
	return nil
}
