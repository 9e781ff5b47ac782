package chshare

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var nextConnID int32

// allocConnID allocates a unique connection ID number. Halves carry the ID of the
// connection they were split from, and reunification checks it.
func allocConnID() int32 {
	return atomic.AddInt32(&nextConnID, 1)
}

// TCPConn is the live TCP-role connection of a bridge session. While a session
// is relaying, the connection is split into a TCPReadHalf owned by the TCP->WS
// pump and a TCPWriteHalf owned by the WS->TCP pump; it must be reunited before
// it can be shut down.
type TCPConn struct {
	logger  Logger
	id      int32
	name    string
	netConn net.Conn

	lock         sync.Mutex
	split        bool
	shutdownDone bool
}

// NewTCPConn wraps an established net.Conn. The TCPConn becomes the owner of netConn.
func NewTCPConn(logger Logger, netConn net.Conn) *TCPConn {
	id := allocConnID()
	name := fmt.Sprintf("[%d]TCP(%s)", id, netConn.RemoteAddr())
	return &TCPConn{
		logger:  logger.Fork("%s", name),
		id:      id,
		name:    name,
		netConn: netConn,
	}
}

func (c *TCPConn) String() string {
	return c.name
}

// RemoteAddr returns the address of the TCP peer
func (c *TCPConn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// LocalAddr returns the local address of the TCP connection
func (c *TCPConn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// NetConn returns the underlying connection. It is only safe to use before Split.
func (c *TCPConn) NetConn() net.Conn {
	return c.netConn
}

// Split decomposes the connection into an exclusively owned read half and
// write half. The connection cannot be shut down until ReuniteTCP is called
// with both halves.
func (c *TCPConn) Split() (*TCPReadHalf, *TCPWriteHalf) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.split {
		c.logger.Panicf("Split of a connection that is already split")
	}
	c.split = true
	return &TCPReadHalf{conn: c}, &TCPWriteHalf{conn: c}
}

// ReuniteTCP recombines the two halves of a split TCPConn. Recombining halves
// of different connections is a logic error and panics.
func ReuniteTCP(r *TCPReadHalf, w *TCPWriteHalf) *TCPConn {
	if r.conn != w.conn || r.conn.id != w.conn.id {
		r.conn.logger.Panicf("Attempt to reunite read half of %s with write half of %s", r.conn, w.conn)
	}
	c := r.conn
	c.lock.Lock()
	c.split = false
	c.lock.Unlock()
	r.conn = nil
	w.conn = nil
	return c
}

// Shutdown issues an orderly shutdown of the connection: the write side is
// half-closed (sending FIN) and the socket is then closed. It may only be
// called on a connection that is not split, and only once.
func (c *TCPConn) Shutdown() error {
	c.lock.Lock()
	if c.split {
		c.lock.Unlock()
		return c.logger.Errorf("Cannot shut down a split connection")
	}
	if c.shutdownDone {
		c.lock.Unlock()
		return c.logger.Errorf("Connection already shut down")
	}
	c.shutdownDone = true
	c.lock.Unlock()

	_, errW := closeWrite(c.netConn)
	if errW != nil {
		c.logger.TLogf("CloseWrite before close failed, ignoring: %s", errW)
	}
	if err := c.netConn.Close(); err != nil {
		return c.logger.Errorf("Close failed: %s", err)
	}
	return nil
}

// TCPReadHalf is the exclusively owned read side of a split TCPConn
type TCPReadHalf struct {
	conn   *TCPConn
	nbRead int64
}

// Read implements the io.Reader interface
func (r *TCPReadHalf) Read(p []byte) (int, error) {
	n, err := r.conn.netConn.Read(p)
	atomic.AddInt64(&r.nbRead, int64(n))
	return n, err
}

// NumBytesRead returns the number of bytes read so far through this half
func (r *TCPReadHalf) NumBytesRead() int64 {
	return atomic.LoadInt64(&r.nbRead)
}

// interrupt causes a Read blocked in another goroutine to return promptly
func (r *TCPReadHalf) interrupt() error {
	return r.conn.netConn.SetReadDeadline(time.Now())
}

func (r *TCPReadHalf) String() string {
	return r.conn.name + ".r"
}

// TCPWriteHalf is the exclusively owned write side of a split TCPConn
type TCPWriteHalf struct {
	conn      *TCPConn
	nbWritten int64
}

// Write implements the io.Writer interface. net.Conn writes are complete
// unless an error is returned.
func (w *TCPWriteHalf) Write(p []byte) (int, error) {
	n, err := w.conn.netConn.Write(p)
	atomic.AddInt64(&w.nbWritten, int64(n))
	return n, err
}

// CloseWrite half-closes the connection so the TCP peer observes
// end-of-stream. Reads through the sibling read half are unaffected.
func (w *TCPWriteHalf) CloseWrite() error {
	ok, err := closeWrite(w.conn.netConn)
	if !ok {
		w.conn.logger.DLogf("CloseWrite() ignored--not implemented by %T", w.conn.netConn)
	}
	return err
}

// NumBytesWritten returns the number of bytes written so far through this half
func (w *TCPWriteHalf) NumBytesWritten() int64 {
	return atomic.LoadInt64(&w.nbWritten)
}

func (w *TCPWriteHalf) String() string {
	return w.conn.name + ".w"
}
