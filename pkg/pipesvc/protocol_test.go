package pipesvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindAcceptEndToEnd(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, srvClient := b.newClient("server")
	_, cliClient := b.newClient("client")

	server := NewProtocol(srvClient)
	require.NoError(t, server.BindServer(ctx, "echo", "1.2.0"))
	accepted := startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())

	client := NewProtocol(cliClient)
	require.NoError(t, client.BindClient(ctx, "echo", "1.1"))
	assert.Equal(t, "1.2.0", client.ServerVersionActual())
	assert.Equal(t, "1.1", client.ServerVersionRequested())

	r := waitAccept(t, accepted)
	require.NoError(t, r.err)
	conn := r.p
	assert.Equal(t, "echo", conn.ServerName())
	assert.Equal(t, "1.1", conn.ServerVersionRequested())

	// the client's outbound link is the server's inbound link, and the other way round
	assert.Same(t, client.OutboundLink(), conn.InboundLink())
	assert.Same(t, client.InboundLink(), conn.OutboundLink())

	require.NoError(t, client.OutboundLink().Send(link.NewDataMessage([]byte("ping"))))
	msg, err := conn.InboundLink().Receive(ctx)
	require.NoError(t, err)
	data, err := msg.ExtractData()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	require.NoError(t, conn.OutboundLink().Send(link.NewDataMessage([]byte("pong"))))
	msg, err = client.InboundLink().Receive(ctx)
	require.NoError(t, err)
	data, err = msg.ExtractData()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	snap := b.d.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, server.ServerInstanceID(), snap.Clients[0].ServerID)

	client.CloseClient()
	assert.False(t, conn.InboundLink().IsOpen())
	assert.Empty(t, b.d.Snapshot().Clients, "closed client connections are pruned")
}

func TestBindClientVersionTooHigh(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, srvClient := b.newClient("server")
	_, cliClient := b.newClient("client")

	server := NewProtocol(srvClient)
	require.NoError(t, server.BindServer(ctx, "echo", "1.0"))
	startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())

	err := NewProtocol(cliClient).BindClient(ctx, "echo", "1.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionNotFound), "got %v", err)

	err = NewProtocol(cliClient).BindClient(ctx, "other", "1.0")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	// a refusal leaves the shared control connection usable
	require.NoError(t, NewProtocol(cliClient).BindClient(ctx, "echo", "0.9.9"))
}

func TestBindMalformedVersion(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, c := b.newClient("c")

	err := NewProtocol(c).BindServer(ctx, "echo", "1")
	var nf *ConnectionNotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
	assert.Contains(t, nf.Reason, "malformed")
	assert.Equal(t, 0, b.d.ServerCount())

	err = NewProtocol(c).BindClient(ctx, "echo", "x.y")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	// no id was spent on the refused bind
	server := NewProtocol(c)
	require.NoError(t, server.BindServer(ctx, "echo", "1.0"))
	assert.EqualValues(t, 0, server.ServerInstanceID())
}

func TestBindClientWithoutAccept(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, srvClient := b.newClient("server")
	_, cliClient := b.newClient("client")

	require.NoError(t, NewProtocol(srvClient).BindServer(ctx, "echo", "1.0"))
	err := NewProtocol(cliClient).BindClient(ctx, "echo", "1.0")
	var nf *ConnectionNotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
	assert.Contains(t, nf.Reason, "not accepting")
}

func TestEndpointIDsIncrease(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, c := b.newClient("server")
	last := int64(-1)
	for i := 0; i < 5; i++ {
		p := NewProtocol(c)
		require.NoError(t, p.BindServer(ctx, "svc", "1.0"))
		assert.Greater(t, p.ServerInstanceID(), last)
		last = p.ServerInstanceID()
	}
	assert.EqualValues(t, 4, last)
	assert.Equal(t, 5, b.d.ServerCount())
}

func TestCloseServerAbortsAccept(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, c := b.newClient("server")

	server := NewProtocol(c)
	require.NoError(t, server.BindServer(ctx, "echo", "1.0"))
	accepted := startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())

	require.NoError(t, server.CloseServer(ctx))
	r := waitAccept(t, accepted)
	assert.ErrorIs(t, r.err, ErrAborted)
	assert.Equal(t, 0, b.d.ServerCount())

	// the id is gone, so a second close is refused by the broker
	err := server.CloseServer(ctx)
	var pe *ProtocolError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}

func TestAcceptContextCancel(t *testing.T) {
	b := newTestBroker(t, nil)
	_, c := b.newClient("server")
	_, cliClient := b.newClient("client")

	server := NewProtocol(c)
	require.NoError(t, server.BindServer(context.Background(), "echo", "1.0"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := server.AcceptByServer(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = NewProtocol(cliClient).BindClient(context.Background(), "echo", "1.0")
	assert.ErrorIs(t, err, ErrConnectionNotFound, "a cancelled accept no longer accepts")

	// the server can accept again
	accepted := startAccept(context.Background(), server)
	b.waitAccepting(server.ServerInstanceID())
	require.NoError(t, NewProtocol(cliClient).BindClient(context.Background(), "echo", "1.0"))
	require.NoError(t, waitAccept(t, accepted).err)
}

func TestSecondAcceptRefused(t *testing.T) {
	b := newTestBroker(t, nil)
	tk := b.reg.NewTask("server")
	conn := b.rawConn(tk)

	sendRequest(t, conn, &pipewire.BindServer{Name: "echo", Version: "1.0", TaskID: tk.ID()})
	r := receiveTestReply(t, conn)
	require.True(t, r.OK)
	require.True(t, r.HasEndpointID)

	sendRequest(t, conn, &pipewire.AcceptServer{EndpointID: r.EndpointID})
	msg := receiveMessage(t, conn)
	require.True(t, msg.ContainsLink())

	sendRequest(t, conn, &pipewire.AcceptServer{EndpointID: r.EndpointID})
	r2 := receiveTestReply(t, conn)
	assert.False(t, r2.OK)
	assert.Contains(t, r2.Reason, "accept already pending")

	// the first accept link is still the one clients are handed to
	l, err := msg.ExtractLink()
	require.NoError(t, err)
	assert.True(t, l.IsOpen())
}

func TestUnknownRequestFails(t *testing.T) {
	b := newTestBroker(t, nil)
	conn := b.rawConn(b.reg.NewTask("c"))

	require.NoError(t, conn.Send(link.NewDataMessage(pipewire.EncodeReply(pipewire.OKReply()))))
	r := receiveTestReply(t, conn)
	assert.False(t, r.OK)

	require.NoError(t, conn.Send(link.NewStringMessage("hello")))
	r = receiveTestReply(t, conn)
	assert.False(t, r.OK)

	sendRequest(t, conn, &pipewire.CloseServer{EndpointID: 99})
	r = receiveTestReply(t, conn)
	assert.False(t, r.OK)
	assert.Contains(t, r.Reason, "no pipe server")
}

func TestStaleServerRemoved(t *testing.T) {
	b := newTestBroker(t, nil)
	owner := b.reg.NewTask("owner")
	gone := b.reg.NewTask("gone")
	gone.Terminate()
	conn := b.rawConn(owner)

	// a server whose accepting task is already dead
	sendRequest(t, conn, &pipewire.BindServer{Name: "echo", Version: "1.0", TaskID: gone.ID()})
	r := receiveTestReply(t, conn)
	require.True(t, r.OK)
	staleID := r.EndpointID
	sendRequest(t, conn, &pipewire.AcceptServer{EndpointID: staleID})
	require.True(t, receiveMessage(t, conn).ContainsLink())
	require.Equal(t, 1, b.d.ServerCount())

	_, c := b.newClient("client")
	err := NewProtocol(c).BindClient(context.Background(), "echo", "1.0")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Equal(t, 0, b.d.ServerCount())

	// a live task can take over the name and version
	ctx := context.Background()
	_, srvClient := b.newClient("server")
	server := NewProtocol(srvClient)
	require.NoError(t, server.BindServer(ctx, "echo", "1.0"))
	assert.Greater(t, server.ServerInstanceID(), staleID)
	accepted := startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())

	client := NewProtocol(c)
	require.NoError(t, client.BindClient(ctx, "echo", "1.0"))
	ar := waitAccept(t, accepted)
	require.NoError(t, ar.err)
	assert.Same(t, client.OutboundLink(), ar.p.InboundLink())
}

func TestServerTaskTerminationSweeps(t *testing.T) {
	b := newTestBroker(t, nil)
	tk, c := b.newClient("server")

	server := NewProtocol(c)
	require.NoError(t, server.BindServer(context.Background(), "echo", "1.0"))
	accepted := startAccept(context.Background(), server)
	b.waitAccepting(server.ServerInstanceID())

	tk.Terminate()
	r := waitAccept(t, accepted)
	assert.ErrorIs(t, r.err, ErrAborted)
	require.Eventually(t, func() bool { return b.d.ServerCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestServiceClientCloseSweeps(t *testing.T) {
	b := newTestBroker(t, nil)
	_, c := b.newClient("server")
	ctx := context.Background()
	require.NoError(t, NewProtocol(c).BindServer(ctx, "a", "1.0"))
	require.NoError(t, NewProtocol(c).BindServer(ctx, "b", "1.0"))
	require.Equal(t, 2, b.d.ServerCount())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return b.d.ServerCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	// the next operation reconnects
	require.NoError(t, NewProtocol(c).BindServer(ctx, "a", "1.0"))
}

func TestAcceptUnbound(t *testing.T) {
	b := newTestBroker(t, nil)
	_, c := b.newClient("c")
	_, err := NewProtocol(c).AcceptByServer(context.Background())
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestCancelledRequestKeepsSiblingServers(t *testing.T) {
	b := newTestBroker(t, nil)
	_, c := b.newClient("server")
	_, cliClient := b.newClient("client")

	server := NewProtocol(c)
	require.NoError(t, server.BindServer(context.Background(), "svc", "1.0"))
	accepted := startAccept(context.Background(), server)
	b.waitAccepting(server.ServerInstanceID())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewProtocol(c).BindClient(cancelled, "other", "1.0")
	assert.ErrorIs(t, err, context.Canceled)
	err = NewProtocol(c).BindServer(cancelled, "other", "1.0")
	assert.ErrorIs(t, err, context.Canceled)

	// a request on the same connection that the broker refuses leaves it in place too
	err = NewProtocol(c).BindClient(context.Background(), "other", "1.0")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	select {
	case r := <-accepted:
		t.Fatalf("accept returned early: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, b.d.ServerCount())
	b.waitAccepting(server.ServerInstanceID())

	require.NoError(t, NewProtocol(cliClient).BindClient(context.Background(), "svc", "1.0"))
	require.NoError(t, waitAccept(t, accepted).err)
}

func TestCloseServerUnboundThenBind(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	_, c := b.newClient("server")
	_, cliClient := b.newClient("client")

	server := NewProtocol(c)
	assert.ErrorIs(t, server.CloseServer(ctx), ErrNotBound)

	require.NoError(t, server.BindServer(ctx, "echo", "1.0"))
	accepted := startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())
	require.NoError(t, NewProtocol(cliClient).BindClient(ctx, "echo", "1.0"))
	require.NoError(t, waitAccept(t, accepted).err)

	// closed and bound again, the same Protocol accepts as before
	require.NoError(t, server.CloseServer(ctx))
	require.NoError(t, server.BindServer(ctx, "echo", "1.1"))
	accepted = startAccept(ctx, server)
	b.waitAccepting(server.ServerInstanceID())
	require.NoError(t, NewProtocol(cliClient).BindClient(ctx, "echo", "1.1"))
	require.NoError(t, waitAccept(t, accepted).err)
}

// garbledService answers every request with an undecodable reply followed by two links
type garbledService struct {
	links chan link.Link
}

func (s *garbledService) ServiceID() string {
	return ServiceID
}

func (s *garbledService) AcceptConnection(conn *sysservice.Connection) sysservice.ConnectionListener {
	return &garbledListener{svc: s, conn: conn}
}

type garbledListener struct {
	svc  *garbledService
	conn *sysservice.Connection
}

func (l *garbledListener) OnMessage(msg sysservice.Message) {
	l.conn.Send(link.NewDataMessage([]byte{0xff}))
	for i := 0; i < 2; i++ {
		ln := link.NewLink(0, 0)
		if err := l.conn.Send(link.NewLinkMessage(ln)); err != nil {
			ln.Close()
		}
		l.svc.links <- ln
	}
}

func (l *garbledListener) OnConnectionClosed() {}

func TestAbandonedConnectionClosesQueuedLinks(t *testing.T) {
	lg := newTestLogger(t)
	reg := task.NewLocalRegistry(lg)
	self := reg.NewTask("broker")
	mgr := sysservice.NewManager(lg, self.ID(), reg.ForTask(self.ID()))
	t.Cleanup(func() { mgr.Close() })
	svc := &garbledService{links: make(chan link.Link, 2)}
	require.NoError(t, mgr.RegisterService(svc))

	c := NewServiceClient(lg, mgr, reg.NewTask("client").ID())
	err := NewProtocol(c).BindClient(context.Background(), "echo", "1.0")
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)

	for i := 0; i < 2; i++ {
		ln := <-svc.links
		assert.Eventually(t, func() bool { return !ln.IsOpen() }, 5*time.Second, 5*time.Millisecond,
			"link %d handed out on the abandoned connection is still open", i)
	}
}
