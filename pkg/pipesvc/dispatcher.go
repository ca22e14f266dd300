// Package pipesvc implements the pipe broker and its client API. Servers register under a
// name and a version; clients ask for a name and a minimum version, and the broker hands
// a fresh pair of links to both sides. The broker runs as a sysservice.Service; every
// task reaches it over one shared control connection.
package pipesvc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/link"
	"github.com/sammck-go/wspipe/pkg/pipewire"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
)

// MatchPolicy selects among several compatible servers registered under the same name
type MatchPolicy int

const (
	// MatchFirst picks the most recently registered compatible server
	MatchFirst MatchPolicy = iota

	// MatchHighestVersion picks the compatible server with the highest version; among
	// equal versions the most recently registered one wins
	MatchHighestVersion
)

func (p MatchPolicy) String() string {
	switch p {
	case MatchFirst:
		return "first"
	case MatchHighestVersion:
		return "highest"
	}
	return fmt.Sprintf("MatchPolicy(%d)", int(p))
}

// ParseMatchPolicy converts a configuration string to a MatchPolicy. An empty string
// selects MatchFirst.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return MatchFirst, nil
	case "highest", "highest-version":
		return MatchHighestVersion, nil
	}
	return MatchFirst, fmt.Errorf("unknown match policy: %q", s)
}

// Config holds the broker's tunable behavior
type Config struct {
	MatchPolicy MatchPolicy
}

// EndpointInfo describes one endpoint in a Snapshot
type EndpointInfo struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	VersionActual string    `json:"versionActual,omitempty"`
	Task          int64     `json:"task"`
	ServerID      int64     `json:"serverId,omitempty"`
	Accepting     bool      `json:"accepting,omitempty"`
	Created       time.Time `json:"created"`
}

// Snapshot is a point-in-time copy of the broker registry, newest first
type Snapshot struct {
	Servers []EndpointInfo `json:"servers"`
	Clients []EndpointInfo `json:"clients"`
}

// Dispatcher is the broker registry. All of its state is guarded by a single lock; none of
// its methods block.
type Dispatcher struct {
	logger.Logger
	self    task.ID
	tasks   task.Registry
	cfg     Config
	lock    sync.Mutex
	nextID  int64
	servers []*ServerEndpoint
	clients []*ClientEndpoint
}

// NewDispatcher creates an empty registry. self is the broker's own task; tasks answers
// liveness questions about server tasks. A nil cfg selects the defaults.
func NewDispatcher(log logger.Logger, self task.ID, tasks task.Registry, cfg *Config) *Dispatcher {
	if log == nil {
		log = logger.NilLogger
	}
	d := &Dispatcher{
		Logger: log.ForkLogStr("PipeDispatcher"),
		self:   self,
		tasks:  tasks,
	}
	if cfg != nil {
		d.cfg = *cfg
	}
	return d
}

func (d *Dispatcher) String() string {
	return "PipeDispatcher"
}

// ServiceID implements sysservice.Service
func (d *Dispatcher) ServiceID() string {
	return ServiceID
}

// AcceptConnection implements sysservice.Service; each control connection gets its own
// UserListener
func (d *Dispatcher) AcceptConnection(conn *sysservice.Connection) sysservice.ConnectionListener {
	return NewUserListener(d.Logger, conn, d)
}

// TaskID returns the broker's own task
func (d *Dispatcher) TaskID() task.ID {
	return d.self
}

// NextEndpointID allocates a new endpoint id. Ids start at 0 and increase by one.
func (d *Dispatcher) NextEndpointID() int64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	id := d.nextID
	d.nextID++
	return id
}

// AddServerEndpoint registers a server ahead of all earlier registrations
func (d *Dispatcher) AddServerEndpoint(e *ServerEndpoint) {
	d.lock.Lock()
	d.servers = append([]*ServerEndpoint{e}, d.servers...)
	d.lock.Unlock()
	d.DLogf("Added %s", e)
}

// AddClientEndpoint records a brokered client connection
func (d *Dispatcher) AddClientEndpoint(e *ClientEndpoint) {
	d.lock.Lock()
	d.pruneClientsLocked()
	d.clients = append([]*ClientEndpoint{e}, d.clients...)
	d.lock.Unlock()
	d.DLogf("Added %s", e)
}

// RemoveServerEndpoint deregisters a server. Removing an endpoint that is not registered
// has no effect.
func (d *Dispatcher) RemoveServerEndpoint(e *ServerEndpoint) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i, s := range d.servers {
		if s == e {
			d.servers = append(d.servers[:i:i], d.servers[i+1:]...)
			d.DLogf("Removed %s", e)
			return
		}
	}
}

// RemoveClientEndpoint drops a client record. Removing an endpoint that is not recorded
// has no effect.
func (d *Dispatcher) RemoveClientEndpoint(e *ClientEndpoint) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i, c := range d.clients {
		if c == e {
			d.clients = append(d.clients[:i:i], d.clients[i+1:]...)
			return
		}
	}
}

// RemoveAllEndpoints drops every endpoint created over owner's connection. Accept links
// of swept servers are closed, which aborts their pending accepts.
func (d *Dispatcher) RemoveAllEndpoints(owner *UserListener) {
	var closing []link.Link
	d.lock.Lock()
	servers := d.servers[:0:0]
	for _, s := range d.servers {
		if s.owner == owner {
			if s.acceptLink != nil {
				closing = append(closing, s.acceptLink)
				s.acceptLink = nil
			}
			d.DLogf("Sweeping %s", s)
			continue
		}
		servers = append(servers, s)
	}
	d.servers = servers
	clients := d.clients[:0:0]
	for _, c := range d.clients {
		if c.owner != owner {
			clients = append(clients, c)
		}
	}
	d.clients = clients
	d.lock.Unlock()

	for _, l := range closing {
		l.Close()
	}
}

// GetServerEndpoint finds a registered server named name whose version satisfies
// version. It returns nil when no server matches, and an error wrapping
// pipewire.ErrMalformedVersion when version cannot be parsed.
func (d *Dispatcher) GetServerEndpoint(name string, version string) (*ServerEndpoint, error) {
	code, err := pipewire.ParseVersion(version)
	if err != nil {
		return nil, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	var found *ServerEndpoint
	for _, s := range d.servers {
		if s.name != name || s.versionCode < code {
			continue
		}
		if d.cfg.MatchPolicy != MatchHighestVersion {
			return s, nil
		}
		if found == nil || s.versionCode > found.versionCode {
			found = s
		}
	}
	return found, nil
}

// GetEndpoint finds an endpoint by id, looking at servers before clients. It returns nil
// if there is none.
func (d *Dispatcher) GetEndpoint(id int64) Endpoint {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, s := range d.servers {
		if s.id == id {
			return s
		}
	}
	d.pruneClientsLocked()
	for _, c := range d.clients {
		if c.id == id {
			return c
		}
	}
	return nil
}

// SetAcceptLink installs l as the accept link of server. It fails if the server already
// has an open accept link. A closed leftover is replaced.
func (d *Dispatcher) SetAcceptLink(server *ServerEndpoint, l link.Link) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if server.acceptLink != nil && server.acceptLink.IsOpen() {
		return fmt.Errorf("accept already pending on %s", server)
	}
	server.acceptLink = l
	return nil
}

// TakeAcceptLink removes and returns the accept link of server, or nil if there is none
func (d *Dispatcher) TakeAcceptLink(server *ServerEndpoint) link.Link {
	d.lock.Lock()
	defer d.lock.Unlock()
	l := server.acceptLink
	server.acceptLink = nil
	return l
}

// ServerCount returns the number of registered servers
func (d *Dispatcher) ServerCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.servers)
}

// Snapshot returns a copy of the registry for inspection
func (d *Dispatcher) Snapshot() *Snapshot {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.pruneClientsLocked()
	snap := &Snapshot{
		Servers: make([]EndpointInfo, 0, len(d.servers)),
		Clients: make([]EndpointInfo, 0, len(d.clients)),
	}
	for _, s := range d.servers {
		snap.Servers = append(snap.Servers, EndpointInfo{
			ID:        s.id,
			Name:      s.name,
			Version:   s.version,
			Task:      int64(s.targetTask),
			Accepting: s.acceptLink != nil && s.acceptLink.IsOpen(),
			Created:   s.created,
		})
	}
	for _, c := range d.clients {
		snap.Clients = append(snap.Clients, EndpointInfo{
			ID:            c.id,
			Name:          c.name,
			Version:       c.versionRequested,
			VersionActual: c.versionActual,
			Task:          int64(c.clientTask),
			ServerID:      c.serverID,
			Created:       c.created,
		})
	}
	return snap
}

// isTaskAlive consults the task registry; without one every task is presumed alive
func (d *Dispatcher) isTaskAlive(id task.ID) bool {
	if d.tasks == nil {
		return true
	}
	return d.tasks.IsAlive(id)
}

func (d *Dispatcher) pruneClientsLocked() {
	clients := d.clients[:0]
	for _, c := range d.clients {
		if c.IsActive() {
			clients = append(clients, c)
		}
	}
	for i := len(clients); i < len(d.clients); i++ {
		d.clients[i] = nil
	}
	d.clients = clients
}
