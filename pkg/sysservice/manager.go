// Package sysservice provides the service lookup mechanism that brokers run under: a
// Manager owns a namespace of services identified by well-known string IDs. A client task
// requests a service by ID and gets a control Connection; the Manager runs one dispatch
// goroutine per connection that feeds inbound messages to the service's ConnectionListener
// and reports when the connection goes away.
package sysservice

import (
	"context"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/task"
)

// ConnectionListener receives the traffic of one control connection on the service side.
// Its methods are called from a single goroutine and must not block for long.
type ConnectionListener interface {
	// OnMessage is called for each message received from the client, in order
	OnMessage(msg Message)

	// OnConnectionClosed is called exactly once, after the last OnMessage, when the
	// connection has been closed by either side or the client task has terminated
	OnConnectionClosed()
}

// Service is implemented by anything that can be registered with a Manager
type Service interface {
	// ServiceID returns the well-known name clients use to find the service
	ServiceID() string

	// AcceptConnection is called for each new client connection and returns the listener
	// that will service it
	AcceptConnection(conn *Connection) ConnectionListener
}

// Requestor is the client-side view of a Manager
type Requestor interface {
	// RequestService opens a new control connection from clientTask to the service
	RequestService(clientTask task.ID, serviceID string) (*Connection, error)
}

// Manager hosts registered services and their control connections
type Manager struct {
	*asyncobj.Helper
	self     task.ID
	tasks    task.Registry
	services map[string]Service
	conns    map[*Connection]struct{}
	wg       sync.WaitGroup
}

// NewManager creates an active Manager. self is the task that services run in; tasks is
// used to watch client tasks for termination when it implements task.Watcher.
func NewManager(log logger.Logger, self task.ID, tasks task.Registry) *Manager {
	m := &Manager{
		self:     self,
		tasks:    tasks,
		services: make(map[string]Service),
		conns:    make(map[*Connection]struct{}),
	}
	m.Helper = asyncobj.NewHelper(log.ForkLogStr("ServiceManager"), m)
	m.SetIsActivated()
	return m
}

func (m *Manager) String() string {
	return "ServiceManager"
}

// TaskID returns the task services run in
func (m *Manager) TaskID() task.ID {
	return m.self
}

// RegisterService makes a service available under its ServiceID
func (m *Manager) RegisterService(s Service) error {
	err := m.DeferShutdown()
	if err == nil {
		m.Lock.Lock()
		id := s.ServiceID()
		if _, ok := m.services[id]; ok {
			err = m.Errorf("Service already registered: %s", id)
		} else {
			m.services[id] = s
			m.ILogf("Registered service %s", id)
		}
		m.Lock.Unlock()
	}
	m.UndeferShutdown()
	return err
}

// RequestService opens a new control connection from clientTask to the service registered
// under serviceID, and starts the service-side dispatch loop for it
func (m *Manager) RequestService(clientTask task.ID, serviceID string) (*Connection, error) {
	err := m.DeferShutdown()
	defer m.UndeferShutdown()
	if err != nil {
		return nil, err
	}
	m.Lock.Lock()
	s, ok := m.services[serviceID]
	if !ok {
		m.Lock.Unlock()
		return nil, ErrServiceNotFound
	}
	clientEnd, serviceEnd := newConnectionPair(serviceID, clientTask, m.self)
	m.conns[serviceEnd] = struct{}{}
	m.wg.Add(1)
	m.Lock.Unlock()

	listener := s.AcceptConnection(serviceEnd)
	m.DLogf("New connection %s", serviceEnd)
	go m.serve(serviceEnd, listener)
	return clientEnd, nil
}

// serve is the per-connection dispatch loop
func (m *Manager) serve(conn *Connection, listener ConnectionListener) {
	defer m.wg.Done()
	loopDone := make(chan struct{})
	if w, ok := m.tasks.(task.Watcher); ok {
		clientDone := w.Done(conn.PeerTask())
		go func() {
			select {
			case <-clientDone:
				m.DLogf("Client task of %s terminated; closing", conn)
				conn.Close()
			case <-loopDone:
			}
		}()
	}

	ctx := context.Background()
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			m.DLogf("%s: receive ended: %s", conn, err)
			break
		}
		listener.OnMessage(msg)
	}
	close(loopDone)
	conn.Close()
	listener.OnConnectionClosed()

	m.Lock.Lock()
	delete(m.conns, conn)
	m.Lock.Unlock()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It closes every
// control connection and waits for their dispatch loops to finish.
func (m *Manager) HandleOnceShutdown(completionErr error) error {
	m.Lock.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.Lock.Unlock()
	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
	return completionErr
}
