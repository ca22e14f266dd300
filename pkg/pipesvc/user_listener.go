package pipesvc

import (
	"fmt"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/sysservice"
)

// UserListener serves the broker side of one control connection. Every request is
// answered with OK or FAIL; nothing it handles can fail the connection itself.
type UserListener struct {
	logger.Logger
	conn       *sysservice.Connection
	dispatcher *Dispatcher
}

// NewUserListener creates the listener for conn
func NewUserListener(log logger.Logger, conn *sysservice.Connection, dispatcher *Dispatcher) *UserListener {
	return &UserListener{
		Logger:     log.ForkLogStr(fmt.Sprintf("UserListener(%s)", conn.PeerTask())),
		conn:       conn,
		dispatcher: dispatcher,
	}
}

func (u *UserListener) String() string {
	return fmt.Sprintf("<UserListener %s>", u.conn)
}

// OnMessage implements sysservice.ConnectionListener
func (u *UserListener) OnMessage(msg sysservice.Message) {
	data, err := msg.ExtractData()
	if err != nil {
		u.fail(err.Error())
		return
	}
	req, err := pipewire.DecodeRequest(data)
	if err != nil {
		u.fail(err.Error())
		return
	}
	u.TLogf("Request %v", req)
	switch r := req.(type) {
	case *pipewire.BindClient:
		u.bindClient(r)
	case *pipewire.BindServer:
		u.bindServer(r)
	case *pipewire.AcceptServer:
		u.acceptServer(r)
	case *pipewire.CloseServer:
		u.closeServer(r)
	default:
		u.fail("invalid pipe service request")
	}
}

// OnConnectionClosed implements sysservice.ConnectionListener. Everything registered over
// the connection goes away with it.
func (u *UserListener) OnConnectionClosed() {
	u.DLogf("Connection closed; sweeping endpoints")
	u.dispatcher.RemoveAllEndpoints(u)
}

func (u *UserListener) reply(r *pipewire.Reply) error {
	err := u.conn.Send(link.NewDataMessage(pipewire.EncodeReply(r)))
	if err != nil {
		u.DLogf("Unable to send %v: %s", r, err)
	}
	return err
}

func (u *UserListener) fail(reason string) {
	u.DLogf("FAIL: %s", reason)
	u.reply(pipewire.FailReply(reason))
}

func (u *UserListener) bindServer(r *pipewire.BindServer) {
	if _, err := pipewire.ParseVersion(r.Version); err != nil {
		u.fail(err.Error())
		return
	}
	id := u.dispatcher.NextEndpointID()
	server, err := NewServerEndpoint(u, id, r.Name, r.Version, r.TaskID)
	if err != nil {
		u.fail(err.Error())
		return
	}
	if u.reply(pipewire.OKEndpointReply(id)) != nil {
		return
	}
	u.dispatcher.AddServerEndpoint(server)
	u.ILogf("Bound server %s", server)
}

func (u *UserListener) ownedServer(id int64) (*ServerEndpoint, error) {
	server, ok := u.dispatcher.GetEndpoint(id).(*ServerEndpoint)
	if !ok {
		return nil, fmt.Errorf("no pipe server with id %d", id)
	}
	if server.owner != u {
		return nil, fmt.Errorf("pipe server %d belongs to another connection", id)
	}
	return server, nil
}

func (u *UserListener) acceptServer(r *pipewire.AcceptServer) {
	server, err := u.ownedServer(r.EndpointID)
	if err != nil {
		u.fail(err.Error())
		return
	}
	accept := link.NewLink(u.dispatcher.TaskID(), server.targetTask)
	if err := u.dispatcher.SetAcceptLink(server, accept); err != nil {
		u.fail(err.Error())
		return
	}
	if err := u.conn.Send(link.NewLinkMessage(accept)); err != nil {
		if u.dispatcher.TakeAcceptLink(server) == accept {
			accept.Close()
		}
		return
	}
	u.DLogf("%s is accepting", server)
}

func (u *UserListener) closeServer(r *pipewire.CloseServer) {
	server, err := u.ownedServer(r.EndpointID)
	if err != nil {
		u.fail(err.Error())
		return
	}
	u.dispatcher.RemoveServerEndpoint(server)
	if accept := u.dispatcher.TakeAcceptLink(server); accept != nil {
		accept.Close()
	}
	u.reply(pipewire.OKReply())
	u.ILogf("Closed server %s", server)
}

func (u *UserListener) bindClient(r *pipewire.BindClient) {
	d := u.dispatcher
	server, err := d.GetServerEndpoint(r.Name, r.VersionRequested)
	if err != nil {
		u.fail(err.Error())
		return
	}
	if server == nil {
		u.fail("no pipe server found for given request")
		return
	}
	if !d.isTaskAlive(server.targetTask) {
		d.RemoveServerEndpoint(server)
		if accept := d.TakeAcceptLink(server); accept != nil {
			accept.Close()
		}
		u.ILogf("Removed stale server %s", server)
		u.fail("the requested server is no longer running")
		return
	}
	accept := d.TakeAcceptLink(server)
	if accept == nil || !accept.IsOpen() {
		u.fail("the requested server is not accepting connections")
		return
	}

	toClient := link.NewLink(server.targetTask, r.TaskID)
	fromClient := link.NewLink(r.TaskID, server.targetTask)

	err = u.reply(pipewire.OKVersionReply(server.version))
	if err == nil {
		err = u.conn.Send(link.NewLinkMessage(toClient))
	}
	if err == nil {
		err = u.conn.Send(link.NewLinkMessage(fromClient))
	}
	if err != nil {
		// the client went away; the server keeps waiting
		toClient.Close()
		fromClient.Close()
		if d.SetAcceptLink(server, accept) != nil {
			accept.Close()
		}
		return
	}

	err = accept.Send(link.NewDataMessage(pipewire.EncodeClientArrival(&pipewire.ClientArrival{VersionRequested: r.VersionRequested})))
	if err == nil {
		err = accept.Send(link.NewLinkMessage(fromClient))
	}
	if err == nil {
		err = accept.Send(link.NewLinkMessage(toClient))
	}
	accept.Close()
	if err != nil {
		u.DLogf("Server %s stopped accepting during handoff: %s", server, err)
		toClient.Close()
		fromClient.Close()
		return
	}

	client := newClientEndpoint(u, d.NextEndpointID(), server, r.VersionRequested, r.TaskID, toClient, fromClient)
	d.AddClientEndpoint(client)
	u.ILogf("Connected %s to %s", client, server)
}
