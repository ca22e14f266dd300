package pipeconn

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBipipe serves a fixed random payload to Read and records everything written to it
type memBipipe struct {
	*asyncobj.Helper
	id          int
	name        string
	payload     []byte
	unread      []byte
	written     []byte
	writeClosed bool
}

func newMemBipipe(log logger.Logger, id int) *memBipipe {
	payload := make([]byte, rand.Intn(96*1024)+8*1024)
	rand.Read(payload)
	bp := &memBipipe{
		id:      id,
		name:    fmt.Sprintf("<memBipipe %d>", id),
		payload: payload,
		unread:  payload,
	}
	bp.Helper = asyncobj.NewHelper(log.ForkLogStr(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *memBipipe) String() string {
	return bp.name
}

func (bp *memBipipe) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

func (bp *memBipipe) Read(p []byte) (int, error) {
	bp.Lock.Lock()
	defer bp.Lock.Unlock()
	if len(bp.unread) == 0 {
		return 0, io.EOF
	}
	n := copy(p, bp.unread)
	bp.unread = bp.unread[n:]
	return n, nil
}

func (bp *memBipipe) Write(p []byte) (int, error) {
	bp.Lock.Lock()
	defer bp.Lock.Unlock()
	if bp.writeClosed {
		return 0, ErrWriteClosed
	}
	bp.written = append(bp.written, p...)
	return len(p), nil
}

func (bp *memBipipe) CloseWrite() error {
	bp.Lock.Lock()
	bp.writeClosed = true
	bp.Lock.Unlock()
	return nil
}

func TestBridgeCopiesBothWays(t *testing.T) {
	lg := newTestLogger(t)
	a := newMemBipipe(lg, 0)
	b := newMemBipipe(lg, 1)

	br := NewBridge(lg, a, b, 4096)
	require.NoError(t, br.WaitShutdown())

	assert.True(t, a.IsDoneShutdown())
	assert.True(t, b.IsDoneShutdown())
	assert.True(t, a.writeClosed)
	assert.True(t, b.writeClosed)
	assert.True(t, bytes.Equal(a.payload, b.written), "a -> b mismatch")
	assert.True(t, bytes.Equal(b.payload, a.written), "b -> a mismatch")
	assert.EqualValues(t, len(b.payload), br.NumBytesWritten(0))
	assert.EqualValues(t, len(a.payload), br.NumBytesWritten(1))
}

func TestBridgePipeConns(t *testing.T) {
	e := newTestEnv(t)
	client, server := e.connPair(t)

	var stdout bytes.Buffer
	stdio := NewMergedBipipe(e.lg, "stdio", bytes.NewReader([]byte("request")), &stdout, false, false)
	br := NewBridge(e.lg, stdio, client, 0)

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "request", string(got))
	_, err = server.Write([]byte("response"))
	require.NoError(t, err)
	require.NoError(t, server.CloseWrite())

	require.NoError(t, br.WaitShutdown())
	assert.Equal(t, "response", stdout.String())
	server.Close()
}

func TestNetConn(t *testing.T) {
	e := newTestEnv(t)
	client, server := e.connPair(t)
	defer client.Close()

	nc, br, err := NewNetConn(e.lg, server)
	require.NoError(t, err)

	_, err = client.Write([]byte("over a socket"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())
	got, err := io.ReadAll(nc)
	require.NoError(t, err)
	assert.Equal(t, "over a socket", string(got))

	_, err = nc.Write([]byte("back"))
	require.NoError(t, err)
	require.NoError(t, nc.Close())

	got, err = io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
	br.WaitShutdown()
}
