// Package pipewire defines the control vocabulary spoken between pipe clients and the pipe
// broker, and its encoding. Each control message travels as one data message on a control
// connection or accept link; link handles always travel as separate link messages.
package pipewire

import (
	"fmt"

	"github.com/sammck-go/wspipe/pkg/task"
)

// Kind is the discriminant of a control message
type Kind uint32

const (
	// KindBindServer registers a named, versioned server
	KindBindServer Kind = 0x49587001

	// KindBindClient asks for a connection to a compatible server. The same kind tags the
	// arrival marker the broker sends down a server's accept link.
	KindBindClient Kind = 0x49587002

	// KindCloseServer deregisters a server
	KindCloseServer Kind = 0x49587003

	// KindAcceptServer asks for an accept link on which the next client arrival is delivered
	KindAcceptServer Kind = 0x49587004

	// KindOK is a successful reply
	KindOK Kind = 0x49587011

	// KindFail is a failure reply carrying a reason
	KindFail Kind = 0x49587012

	// KindWouldBlock is reserved and never sent
	KindWouldBlock Kind = 0x49587013
)

func (k Kind) String() string {
	switch k {
	case KindBindServer:
		return "BIND_PIPE_SERVER"
	case KindBindClient:
		return "BIND_PIPE_CLIENT"
	case KindCloseServer:
		return "CLOSE_PIPE_SERVER"
	case KindAcceptServer:
		return "ACCEPT_PIPE_SERVER"
	case KindOK:
		return "OK"
	case KindFail:
		return "FAIL"
	case KindWouldBlock:
		return "WOULDBLOCK"
	}
	return fmt.Sprintf("Kind(0x%08x)", uint32(k))
}

// Request is a client-to-broker control message. The concrete type is one of
// *BindServer, *BindClient, *AcceptServer or *CloseServer.
type Request interface {
	Kind() Kind
	isRequest()
}

// BindServer registers a server named Name at Version, owned by TaskID
type BindServer struct {
	Name    string
	Version string
	TaskID  task.ID
}

// BindClient requests a connection to a server named Name whose version is at least
// VersionRequested, on behalf of TaskID
type BindClient struct {
	Name             string
	VersionRequested string
	TaskID           task.ID
}

// AcceptServer requests an accept link for the server with id EndpointID
type AcceptServer struct {
	EndpointID int64
}

// CloseServer deregisters the server with id EndpointID
type CloseServer struct {
	EndpointID int64
}

func (*BindServer) Kind() Kind   { return KindBindServer }
func (*BindClient) Kind() Kind   { return KindBindClient }
func (*AcceptServer) Kind() Kind { return KindAcceptServer }
func (*CloseServer) Kind() Kind  { return KindCloseServer }

func (*BindServer) isRequest()   {}
func (*BindClient) isRequest()   {}
func (*AcceptServer) isRequest() {}
func (*CloseServer) isRequest()  {}

func (r *BindServer) String() string {
	return fmt.Sprintf("BIND_PIPE_SERVER{name=%q version=%q task=%d}", r.Name, r.Version, int64(r.TaskID))
}

func (r *BindClient) String() string {
	return fmt.Sprintf("BIND_PIPE_CLIENT{name=%q version=%q task=%d}", r.Name, r.VersionRequested, int64(r.TaskID))
}

func (r *AcceptServer) String() string {
	return fmt.Sprintf("ACCEPT_PIPE_SERVER{id=%d}", r.EndpointID)
}

func (r *CloseServer) String() string {
	return fmt.Sprintf("CLOSE_PIPE_SERVER{id=%d}", r.EndpointID)
}

// Reply answers every Request. A failed reply carries only Reason; a successful one
// carries whichever payload the request calls for.
type Reply struct {
	OK            bool
	Reason        string
	EndpointID    int64
	HasEndpointID bool
	ActualVersion string
}

// OKReply returns a successful reply with no payload
func OKReply() *Reply {
	return &Reply{OK: true}
}

// OKEndpointReply returns a successful reply carrying a new endpoint id
func OKEndpointReply(id int64) *Reply {
	return &Reply{OK: true, EndpointID: id, HasEndpointID: true}
}

// OKVersionReply returns a successful reply carrying the version of the server a client
// was connected to
func OKVersionReply(actualVersion string) *Reply {
	return &Reply{OK: true, ActualVersion: actualVersion}
}

// FailReply returns a failure reply
func FailReply(reason string) *Reply {
	return &Reply{Reason: reason}
}

func (r *Reply) String() string {
	if !r.OK {
		return fmt.Sprintf("FAIL{%q}", r.Reason)
	}
	if r.HasEndpointID {
		return fmt.Sprintf("OK{id=%d}", r.EndpointID)
	}
	if r.ActualVersion != "" {
		return fmt.Sprintf("OK{version=%q}", r.ActualVersion)
	}
	return "OK{}"
}

// ClientArrival is sent by the broker down a server's accept link when a client has been
// matched to it. It is followed on the same link by two link messages: the client-to-server
// link, then the server-to-client link.
type ClientArrival struct {
	VersionRequested string
}
