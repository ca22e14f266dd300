// Package link implements the channel primitive the pipe broker is built on: an ordered,
// message-framed, closable point-to-point conduit from one task to another. Messages may
// carry bytes, a short string, or another Link, so links can be handed from task to task.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
	"github.com/sammck-go/wspipe/pkg/task"
)

var (
	// ErrClosed is returned by Receive after the link has been closed and all queued
	// messages have been drained, and by Send on a closed link. A blocked Receive that
	// returns ErrClosed was aborted by a Close from either side.
	ErrClosed = errors.New("link: closed")

	// ErrWrongKind is returned when extracting a payload of the wrong kind from a Message
	ErrWrongKind = errors.New("link: wrong message kind")
)

// Link is one direction of a point-to-point conduit from Sender() to Receiver(). Messages
// are delivered in order, each to exactly one Receive call. Both endpoints share the same
// Link object; either may close it.
type Link interface {
	fmt.Stringer

	// Send enqueues a message for the receiver. It does not wait for the message to be received.
	Send(msg Message) error

	// Receive blocks until a message is available, the link is closed and drained, or ctx is done.
	Receive(ctx context.Context) (Message, error)

	// Close closes the link. Messages already queued remain receivable; after they are drained
	// Receive returns ErrClosed. Close is idempotent.
	Close() error

	// IsOpen returns false once Close has been called
	IsOpen() bool

	// Sender returns the task that writes to this link
	Sender() task.ID

	// Receiver returns the task that reads from this link
	Receiver() task.ID
}

var lastLinkNum int64

// memLink is an in-process Link with an unbounded queue
type memLink struct {
	num      int64
	sender   task.ID
	receiver task.ID
	lock     sync.Mutex
	queue    []Message

	// avail holds a token while the queue may be non-empty
	avail  chan struct{}
	closed *idem.IdemCloseChan
}

// NewLink creates a new open Link from sender to receiver
func NewLink(sender task.ID, receiver task.ID) Link {
	return &memLink{
		num:      atomic.AddInt64(&lastLinkNum, 1),
		sender:   sender,
		receiver: receiver,
		avail:    make(chan struct{}, 1),
		closed:   idem.NewIdemCloseChan(),
	}
}

func (l *memLink) String() string {
	return fmt.Sprintf("<Link#%d %d->%d>", l.num, int64(l.sender), int64(l.receiver))
}

func (l *memLink) Sender() task.ID {
	return l.sender
}

func (l *memLink) Receiver() task.ID {
	return l.receiver
}

func (l *memLink) IsOpen() bool {
	return !l.closed.IsClosed()
}

func (l *memLink) signal() {
	select {
	case l.avail <- struct{}{}:
	default:
	}
}

func (l *memLink) Send(msg Message) error {
	l.lock.Lock()
	if l.closed.IsClosed() {
		l.lock.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, msg)
	l.lock.Unlock()
	l.signal()
	return nil
}

func (l *memLink) Receive(ctx context.Context) (Message, error) {
	for {
		l.lock.Lock()
		if len(l.queue) > 0 {
			msg := l.queue[0]
			l.queue[0] = Message{}
			l.queue = l.queue[1:]
			more := len(l.queue) > 0
			l.lock.Unlock()
			if more {
				l.signal()
			}
			return msg, nil
		}
		l.lock.Unlock()

		if l.closed.IsClosed() {
			// a Send may have raced with Close
			l.lock.Lock()
			empty := len(l.queue) == 0
			l.lock.Unlock()
			if empty {
				return Message{}, ErrClosed
			}
			continue
		}

		select {
		case <-l.avail:
		case <-l.closed.Chan:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close holds lock so that no Send can queue a message once Close has returned
func (l *memLink) Close() error {
	l.lock.Lock()
	l.closed.Close()
	l.lock.Unlock()
	return nil
}
