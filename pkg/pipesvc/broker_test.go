package pipesvc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelInfo),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testBroker is a broker running in its own task, with helpers to create client tasks
type testBroker struct {
	t   *testing.T
	lg  logger.Logger
	reg *task.LocalRegistry
	mgr *sysservice.Manager
	d   *Dispatcher
}

func newTestBroker(t *testing.T, cfg *Config) *testBroker {
	lg := newTestLogger(t)
	reg := task.NewLocalRegistry(lg)
	self := reg.NewTask("broker")
	mgr := sysservice.NewManager(lg, self.ID(), reg.ForTask(self.ID()))
	d, err := RegisterService(lg, mgr, reg.ForTask(self.ID()), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.Close()
	})
	return &testBroker{t: t, lg: lg, reg: reg, mgr: mgr, d: d}
}

func (b *testBroker) newClient(name string) (*task.Task, *ServiceClient) {
	tk := b.reg.NewTask(name)
	return tk, NewServiceClient(b.lg, b.mgr, tk.ID())
}

// rawConn opens a control connection without going through ServiceClient
func (b *testBroker) rawConn(tk *task.Task) *sysservice.Connection {
	conn, err := b.mgr.RequestService(tk.ID(), ServiceID)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *sysservice.Connection, req pipewire.Request) {
	require.NoError(t, conn.Send(link.NewDataMessage(pipewire.EncodeRequest(req))))
}

func receiveMessage(t *testing.T, conn *sysservice.Connection) link.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func receiveTestReply(t *testing.T, conn *sysservice.Connection) *pipewire.Reply {
	data, err := receiveMessage(t, conn).ExtractData()
	require.NoError(t, err)
	r, err := pipewire.DecodeReply(data)
	require.NoError(t, err)
	return r
}

// waitAccepting waits until the broker holds an open accept link for server id
func (b *testBroker) waitAccepting(id int64) {
	require.Eventually(b.t, func() bool {
		for _, s := range b.d.Snapshot().Servers {
			if s.ID == id && s.Accepting {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "server %d never started accepting", id)
}

type acceptResult struct {
	p   *Protocol
	err error
}

func startAccept(ctx context.Context, server *Protocol) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		p, err := server.AcceptByServer(ctx)
		ch <- acceptResult{p, err}
	}()
	return ch
}

func waitAccept(t *testing.T, ch <-chan acceptResult) acceptResult {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("AcceptByServer did not return")
	}
	return acceptResult{}
}
