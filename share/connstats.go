package chshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total session counts for a Server
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total session count and returns the new total,
// which doubles as the session number
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open session count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open session count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// NumOpen returns the number of sessions currently relaying
func (c *ConnStats) NumOpen() int32 {
	return atomic.LoadInt32(&c.open)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
