package chshare

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prep/socketpair"
)

const testTimeout = 5 * time.Second

func newTestLogger(t *testing.T) Logger {
	return NewLoggerWithWriter(os.Stderr, t.Name(), LogLevelDebug)
}

func newTestConfig(mode Mode) *Config {
	config := DefaultConfig()
	config.Mode = mode
	config.BindAddress = "127.0.0.1:0"
	config.HandshakeTimeout = testTimeout
	config.CloseDrainTimeout = testTimeout
	return config
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWebSocketServer starts an HTTP server that upgrades every request and
// hands the connection to handler. It returns the server and its ws:// URL.
func newWebSocketServer(t *testing.T, handler func(ws *websocket.Conn)) (*httptest.Server, string) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Test WebSocket server upgrade failed: %s", err)
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// newWebSocketEchoServer echoes every message back until the peer closes
func newWebSocketEchoServer(t *testing.T) string {
	_, url := newWebSocketServer(t, func(ws *websocket.Conn) {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
	return url
}

// newTCPEchoServer echoes every byte back and half-closes on EOF
func newTCPEchoServer(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
				conn.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return l.Addr().String()
}

// unusedAddress returns a loopback address that refuses connections
func unusedAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// countingConn is a connected unix socket that counts calls to Close
type countingConn struct {
	*net.UnixConn
	closes int32
}

func (c *countingConn) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return c.UnixConn.Close()
}

func (c *countingConn) numCloses() int32 {
	return atomic.LoadInt32(&c.closes)
}

// newTestSocketPair returns a bridge-side connection that counts closes and
// the test's end of the pair
func newTestSocketPair(t *testing.T) (*countingConn, *net.UnixConn) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New() returned error: %s", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return &countingConn{UnixConn: a.(*net.UnixConn)}, b.(*net.UnixConn)
}

func waitDone(t *testing.T, what string, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

// recordingConn keeps a copy of every byte read through it
type recordingConn struct {
	net.Conn
	lock     sync.Mutex
	received bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.lock.Lock()
	c.received.Write(p[:n])
	c.lock.Unlock()
	return n, err
}

func (c *recordingConn) Received() []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]byte(nil), c.received.Bytes()...)
}

type clientResult struct {
	ws  *websocket.Conn
	err error
}

// dialWebSocketOver performs a client-side handshake over conn in the background
func dialWebSocketOver(conn net.Conn) <-chan clientResult {
	results := make(chan clientResult, 1)
	go func() {
		d := websocket.Dialer{
			NetDial:          func(network, addr string) (net.Conn, error) { return conn, nil },
			HandshakeTimeout: testTimeout,
		}
		ws, _, err := d.Dial("ws://bridge/", nil)
		results <- clientResult{ws: ws, err: err}
	}()
	return results
}

func waitClient(t *testing.T, results <-chan clientResult) *websocket.Conn {
	t.Helper()
	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("WebSocket client handshake failed: %s", r.err)
		}
		return r.ws
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for WebSocket client handshake")
	}
	return nil
}

// serverCloseFrames returns the payloads of the close frames found in the
// bytes a WebSocket client read from a server, after the upgrade response
func serverCloseFrames(t *testing.T, stream []byte) [][]byte {
	t.Helper()
	i := bytes.Index(stream, []byte("\r\n\r\n"))
	if i < 0 {
		t.Fatalf("No HTTP upgrade response in %d bytes from server", len(stream))
	}
	b := stream[i+4:]
	var closes [][]byte
	for len(b) >= 2 {
		opcode := int(b[0] & 0x0f)
		n := int(b[1] & 0x7f)
		hdr := 2
		switch n {
		case 126:
			if len(b) < 4 {
				t.Fatalf("Truncated frame header from server")
			}
			n, hdr = int(binary.BigEndian.Uint16(b[2:4])), 4
		case 127:
			if len(b) < 10 {
				t.Fatalf("Truncated frame header from server")
			}
			n, hdr = int(binary.BigEndian.Uint64(b[2:10])), 10
		}
		if len(b) < hdr+n {
			t.Fatalf("Truncated frame from server")
		}
		if opcode == websocket.CloseMessage {
			closes = append(closes, b[hdr:hdr+n])
		}
		b = b[hdr+n:]
	}
	return closes
}

// faultingLogger hands a panicking logger to the fork named faultIn, so that
// the component logging through it fails on its first trace message
type faultingLogger struct {
	Logger
	faultIn string
}

func (l *faultingLogger) Fork(prefix string, args ...interface{}) Logger {
	child := l.Logger.Fork(prefix, args...)
	if fmt.Sprintf(prefix, args...) == l.faultIn {
		return &panickingTraceLogger{Logger: child}
	}
	return &faultingLogger{Logger: child, faultIn: l.faultIn}
}

type panickingTraceLogger struct {
	Logger
}

func (l *panickingTraceLogger) TLogf(f string, args ...interface{}) {
	panic(fmt.Sprintf(f, args...))
}
