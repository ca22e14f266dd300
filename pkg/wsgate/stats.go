package wsgate

import (
	"fmt"
	"sync/atomic"
)

// sessionStats counts open and total websocket sessions
type sessionStats struct {
	count int32
	open  int32
}

// New counts a new session and returns its number
func (c *sessionStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

func (c *sessionStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

func (c *sessionStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// Current returns the number of open sessions
func (c *sessionStats) Current() int {
	return int(atomic.LoadInt32(&c.open))
}

func (c *sessionStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
