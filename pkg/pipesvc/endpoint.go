package pipesvc

import (
	"fmt"
	"time"

	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/task"
)

// Endpoint is a broker-side record created on behalf of one control connection
type Endpoint interface {
	fmt.Stringer

	// ID returns the broker-assigned id, unique for the life of the Dispatcher
	ID() int64

	// Owner returns the listener of the control connection that created the endpoint
	Owner() *UserListener
}

// ServerEndpoint is a registered, named and versioned server. Its accept link is only
// touched under the Dispatcher lock.
type ServerEndpoint struct {
	id          int64
	owner       *UserListener
	name        string
	version     string
	versionCode int
	targetTask  task.ID
	created     time.Time
	acceptLink  link.Link
}

// NewServerEndpoint creates a server record. It fails if version is malformed.
func NewServerEndpoint(owner *UserListener, id int64, name string, version string, targetTask task.ID) (*ServerEndpoint, error) {
	code, err := pipewire.ParseVersion(version)
	if err != nil {
		return nil, err
	}
	return &ServerEndpoint{
		id:          id,
		owner:       owner,
		name:        name,
		version:     version,
		versionCode: code,
		targetTask:  targetTask,
		created:     time.Now(),
	}, nil
}

func (e *ServerEndpoint) String() string {
	return fmt.Sprintf("<ServerEndpoint#%d %s@%s %s>", e.id, e.name, e.version, e.targetTask)
}

// ID returns the endpoint id
func (e *ServerEndpoint) ID() int64 {
	return e.id
}

// Owner returns the listener of the connection that bound the server
func (e *ServerEndpoint) Owner() *UserListener {
	return e.owner
}

// Name returns the server name
func (e *ServerEndpoint) Name() string {
	return e.name
}

// Version returns the version string the server declared
func (e *ServerEndpoint) Version() string {
	return e.version
}

// VersionCode returns the encoded form of Version
func (e *ServerEndpoint) VersionCode() int {
	return e.versionCode
}

// TargetTask returns the task that accepts connections for the server
func (e *ServerEndpoint) TargetTask() task.ID {
	return e.targetTask
}

// ClientEndpoint records a client connection the broker has brokered. It is considered
// live until both of its data links are closed.
type ClientEndpoint struct {
	id               int64
	owner            *UserListener
	name             string
	versionRequested string
	versionActual    string
	clientTask       task.ID
	serverTask       task.ID
	serverID         int64
	toClient         link.Link
	fromClient       link.Link
	created          time.Time
}

func newClientEndpoint(owner *UserListener, id int64, server *ServerEndpoint, versionRequested string, clientTask task.ID, toClient link.Link, fromClient link.Link) *ClientEndpoint {
	return &ClientEndpoint{
		id:               id,
		owner:            owner,
		name:             server.name,
		versionRequested: versionRequested,
		versionActual:    server.version,
		clientTask:       clientTask,
		serverTask:       server.targetTask,
		serverID:         server.id,
		toClient:         toClient,
		fromClient:       fromClient,
		created:          time.Now(),
	}
}

func (e *ClientEndpoint) String() string {
	return fmt.Sprintf("<ClientEndpoint#%d %s@%s %s->%s>", e.id, e.name, e.versionActual, e.clientTask, e.serverTask)
}

// ID returns the endpoint id
func (e *ClientEndpoint) ID() int64 {
	return e.id
}

// Owner returns the listener of the connection that bound the client
func (e *ClientEndpoint) Owner() *UserListener {
	return e.owner
}

// Name returns the name of the server the client was connected to
func (e *ClientEndpoint) Name() string {
	return e.name
}

// ClientTask returns the task that requested the connection
func (e *ClientEndpoint) ClientTask() task.ID {
	return e.clientTask
}

// IsActive returns false once both data links have been closed
func (e *ClientEndpoint) IsActive() bool {
	return e.toClient.IsOpen() || e.fromClient.IsOpen()
}
