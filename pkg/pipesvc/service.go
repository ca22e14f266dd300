package pipesvc

import (
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
)

// ServiceID is the well-known name the broker is registered under
const ServiceID = "wspipe.pipe"

// RegisterService creates a broker Dispatcher running in the manager's task and registers
// it with the manager
func RegisterService(log logger.Logger, mgr *sysservice.Manager, tasks task.Registry, cfg *Config) (*Dispatcher, error) {
	d := NewDispatcher(log, mgr.TaskID(), tasks, cfg)
	err := mgr.RegisterService(d)
	if err != nil {
		return nil, err
	}
	return d, nil
}
