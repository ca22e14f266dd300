package pipesvc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
)

// ServiceClient is a task's access point to the broker. All Protocols created from it
// share one control connection, opened on first use; exchanges on it are serialized.
type ServiceClient struct {
	logger.Logger
	requestor sysservice.Requestor
	self      task.ID
	lock      sync.Mutex
	conn      *sysservice.Connection
}

// NewServiceClient creates the broker client for task self
func NewServiceClient(log logger.Logger, requestor sysservice.Requestor, self task.ID) *ServiceClient {
	if log == nil {
		log = logger.NilLogger
	}
	return &ServiceClient{
		Logger:    log.ForkLogStr(fmt.Sprintf("PipeClient(%s)", self)),
		requestor: requestor,
		self:      self,
	}
}

// TaskID returns the task the client acts for
func (c *ServiceClient) TaskID() task.ID {
	return c.self
}

// Close closes the control connection. The broker then drops every server registered
// through it. A later operation opens a new connection.
func (c *ServiceClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// connection must be called with c.lock held
func (c *ServiceClient) connection() (*sysservice.Connection, error) {
	if c.conn != nil && c.conn.IsOpen() {
		return c.conn, nil
	}
	conn, err := c.requestor.RequestService(c.self, ServiceID)
	if err != nil {
		return nil, err
	}
	c.DLogf("Opened control connection %s", conn)
	c.conn = conn
	return conn, nil
}

// exchange sends req and lets handle consume the response, all under the connection lock.
// handle returns refused for a well-formed negative answer, which is passed back to the
// caller as is, and err for anything else. ctx is only consulted before the request is
// sent: the broker answers every request without blocking, so once sent the response is
// always read in full and the connection stays in step. Only a broken connection or a
// malformed response abandons it.
func (c *ServiceClient) exchange(ctx context.Context, op string, req pipewire.Request, handle func(conn *sysservice.Connection) (refused error, err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	conn, err := c.connection()
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}
	var refused error
	err = conn.Send(link.NewDataMessage(pipewire.EncodeRequest(req)))
	if err == nil {
		refused, err = handle(conn)
	}
	if err != nil {
		c.DLogf("%s failed; dropping control connection: %s", op, err)
		abandon(conn)
		c.conn = nil
		return &ProtocolError{Op: op, Err: err}
	}
	return refused
}

// abandon closes conn and closes every link still queued on it, so that the far end of
// a link the broker already handed out sees it closed
func abandon(conn *sysservice.Connection) {
	conn.Close()
	for {
		msg, err := conn.Receive(context.Background())
		if err != nil {
			return
		}
		if l, err := msg.ExtractLink(); err == nil {
			l.Close()
		}
	}
}

func receiveReply(conn *sysservice.Connection) (*pipewire.Reply, error) {
	msg, err := conn.Receive(context.Background())
	if err != nil {
		return nil, err
	}
	data, err := msg.ExtractData()
	if err != nil {
		return nil, err
	}
	return pipewire.DecodeReply(data)
}

func receiveLink(ctx context.Context, l interface {
	Receive(context.Context) (link.Message, error)
}) (link.Link, error) {
	msg, err := l.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return msg.ExtractLink()
}

// discardLinks closes any links still queued on a closed accept link, so a client that
// was handed off to an abandoned accept sees its connection closed
func discardLinks(accept link.Link) {
	for {
		msg, err := accept.Receive(context.Background())
		if err != nil {
			return
		}
		if l, err := msg.ExtractLink(); err == nil {
			l.Close()
		}
	}
}

// Protocol is one use of the pipe service: a bound client connection, a bound server, or
// a connection accepted by a server
type Protocol struct {
	client           *ServiceClient
	serverName       string
	versionRequested string
	versionActual    string
	inbound          link.Link
	outbound         link.Link
	isServer         bool
	serverID         int64

	// acceptLock serializes AcceptByServer
	acceptLock sync.Mutex

	// lock guards acceptLink and closed
	lock       sync.Mutex
	acceptLink link.Link
	closed     bool
}

// NewProtocol creates an unbound Protocol that talks to the broker through client
func NewProtocol(client *ServiceClient) *Protocol {
	return &Protocol{client: client}
}

func (p *Protocol) String() string {
	if p.isServer {
		return fmt.Sprintf("<PipeServer#%d %s@%s>", p.serverID, p.serverName, p.versionActual)
	}
	return fmt.Sprintf("<Pipe %s@%s>", p.serverName, p.versionActual)
}

// BindServer registers this Protocol as a server named name at version
func (p *Protocol) BindServer(ctx context.Context, name string, version string) error {
	req := &pipewire.BindServer{Name: name, Version: version, TaskID: p.client.self}
	err := p.client.exchange(ctx, "bind server", req, func(conn *sysservice.Connection) (error, error) {
		r, err := receiveReply(conn)
		if err != nil {
			return nil, err
		}
		if !r.OK {
			return &ConnectionNotFoundError{Reason: r.Reason}, nil
		}
		if !r.HasEndpointID {
			return nil, fmt.Errorf("bind server reply has no endpoint id")
		}
		p.serverName = name
		p.versionActual = version
		p.serverID = r.EndpointID
		p.isServer = true
		return nil, nil
	})
	if err == nil {
		p.lock.Lock()
		p.closed = false
		p.lock.Unlock()
	}
	return err
}

// BindClient connects this Protocol to the most suitable server named name whose version
// is at least versionRequested
func (p *Protocol) BindClient(ctx context.Context, name string, versionRequested string) error {
	req := &pipewire.BindClient{Name: name, VersionRequested: versionRequested, TaskID: p.client.self}
	return p.client.exchange(ctx, "bind client", req, func(conn *sysservice.Connection) (error, error) {
		r, err := receiveReply(conn)
		if err != nil {
			return nil, err
		}
		if !r.OK {
			return &ConnectionNotFoundError{Reason: r.Reason}, nil
		}
		inbound, err := receiveLink(context.Background(), conn)
		if err != nil {
			return nil, err
		}
		outbound, err := receiveLink(context.Background(), conn)
		if err != nil {
			inbound.Close()
			return nil, err
		}
		p.serverName = name
		p.versionRequested = versionRequested
		p.versionActual = r.ActualVersion
		p.inbound = inbound
		p.outbound = outbound
		return nil, nil
	})
}

// AcceptByServer blocks until a client is connected to this server, and returns a new
// Protocol holding that connection's links. Only one accept runs at a time. It returns
// ErrAborted if the server is closed while waiting. Cancelling ctx closes the accept
// link as well and returns ctx.Err().
func (p *Protocol) AcceptByServer(ctx context.Context) (*Protocol, error) {
	p.acceptLock.Lock()
	defer p.acceptLock.Unlock()
	if !p.isServer {
		return nil, &ProtocolError{Op: "accept", Err: ErrNotBound}
	}

	var accept link.Link
	req := &pipewire.AcceptServer{EndpointID: p.serverID}
	err := p.client.exchange(ctx, "accept", req, func(conn *sysservice.Connection) (error, error) {
		msg, err := conn.Receive(context.Background())
		if err != nil {
			return nil, err
		}
		if msg.ContainsLink() {
			accept, err = msg.ExtractLink()
			return nil, err
		}
		data, err := msg.ExtractData()
		if err != nil {
			return nil, err
		}
		r, err := pipewire.DecodeReply(data)
		if err != nil {
			return nil, err
		}
		if !r.OK {
			return &ConnectionNotFoundError{Reason: r.Reason}, nil
		}
		return nil, fmt.Errorf("accept answered with %v instead of a link", r)
	})
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		accept.Close()
		return nil, ErrAborted
	}
	p.acceptLink = accept
	p.lock.Unlock()
	accepted := false
	defer func() {
		accept.Close()
		if !accepted {
			discardLinks(accept)
		}
		p.lock.Lock()
		p.acceptLink = nil
		p.lock.Unlock()
	}()

	msg, err := accept.Receive(ctx)
	if err != nil {
		if errors.Is(err, link.ErrClosed) {
			return nil, ErrAborted
		}
		return nil, err
	}
	data, err := msg.ExtractData()
	if err != nil {
		return nil, &ProtocolError{Op: "accept", Err: err}
	}
	arrival, err := pipewire.DecodeClientArrival(data)
	if err != nil {
		return nil, &ProtocolError{Op: "accept", Err: err}
	}
	inbound, err := receiveLink(ctx, accept)
	if err != nil {
		return nil, &ProtocolError{Op: "accept", Err: err}
	}
	outbound, err := receiveLink(ctx, accept)
	if err != nil {
		inbound.Close()
		return nil, &ProtocolError{Op: "accept", Err: err}
	}
	accepted = true
	p.client.DLogf("%s accepted a client asking for %s", p, arrival.VersionRequested)
	return &Protocol{
		client:           p.client,
		serverName:       p.serverName,
		versionRequested: arrival.VersionRequested,
		versionActual:    p.versionActual,
		inbound:          inbound,
		outbound:         outbound,
	}, nil
}

// CloseServer deregisters the server. A pending AcceptByServer returns ErrAborted.
func (p *Protocol) CloseServer(ctx context.Context) error {
	if !p.isServer {
		return &ProtocolError{Op: "close server", Err: ErrNotBound}
	}
	p.lock.Lock()
	p.closed = true
	if p.acceptLink != nil {
		p.acceptLink.Close()
	}
	p.lock.Unlock()

	req := &pipewire.CloseServer{EndpointID: p.serverID}
	return p.client.exchange(ctx, "close server", req, func(conn *sysservice.Connection) (error, error) {
		r, err := receiveReply(conn)
		if err != nil {
			return nil, err
		}
		if !r.OK {
			return &ProtocolError{Op: "close server", Err: errors.New(r.Reason)}, nil
		}
		return nil, nil
	})
}

// CloseClient closes both data links of a client or accepted connection
func (p *Protocol) CloseClient() error {
	if p.inbound != nil {
		p.inbound.Close()
	}
	if p.outbound != nil {
		p.outbound.Close()
	}
	return nil
}

// ServerName returns the name of the bound server
func (p *Protocol) ServerName() string {
	return p.serverName
}

// ServerVersionRequested returns the minimum version the client asked for
func (p *Protocol) ServerVersionRequested() string {
	return p.versionRequested
}

// ServerVersionActual returns the version of the server
func (p *Protocol) ServerVersionActual() string {
	return p.versionActual
}

// ServerInstanceID returns the broker-assigned id of a bound server
func (p *Protocol) ServerInstanceID() int64 {
	return p.serverID
}

// InboundLink returns the link data arrives on
func (p *Protocol) InboundLink() link.Link {
	return p.inbound
}

// OutboundLink returns the link data is sent on
func (p *Protocol) OutboundLink() link.Link {
	return p.outbound
}
