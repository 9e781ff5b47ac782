package chshare

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsBufferSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NormalizeWebSocketURL turns a destination of the form host:port,
// host/sub/path, http(s)://... or ws(s)://... into a ws:// or wss:// URL
func NormalizeWebSocketURL(dest string) (string, error) {
	if !strings.Contains(dest, "://") {
		dest = "ws://" + dest
	}
	u, err := url.Parse(dest)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket destination %q: %w", dest, err)
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(strings.ToLower(u.Scheme), "http", "ws", 1)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported WebSocket destination scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("WebSocket destination %q has no host", dest)
	}
	return u.String(), nil
}

// handshakeDeadline returns the earlier of the context deadline and now+timeout
func handshakeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

// dialWebSocket performs a client-side WebSocket handshake with dest
func dialWebSocket(ctx context.Context, logger Logger, config *Config, dest string) (*WebSocketConn, error) {
	wsURL, err := NormalizeWebSocketURL(dest)
	if err != nil {
		return nil, err
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	logger.DLogf("Dialing WebSocket destination %s", wsURL)
	ws, resp, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s: WebSocket dial of %s failed (HTTP %s): %w", logger.Prefix(), wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("%s: WebSocket dial of %s failed: %w", logger.Prefix(), wsURL, err)
	}
	return NewWebSocketConn(logger, ws), nil
}

// acceptWebSocket performs a server-side WebSocket handshake over an
// already-accepted connection. On failure netConn has been closed.
func acceptWebSocket(ctx context.Context, logger Logger, config *Config, netConn net.Conn) (*WebSocketConn, error) {
	stop := context.AfterFunc(ctx, func() {
		netConn.SetDeadline(time.Now())
	})
	defer stop()
	netConn.SetDeadline(handshakeDeadline(ctx, config.HandshakeTimeout))

	br := bufio.NewReaderSize(netConn, wsBufferSize)
	req, err := http.ReadRequest(br)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%s: unable to read WebSocket handshake request: %w", logger.Prefix(), err)
	}
	req.RemoteAddr = netConn.RemoteAddr().String()
	logger.DLogf("Upgrading to websocket, URL=\"%s\"", req.URL)

	w := newHandshakeResponseWriter(netConn, br)
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		w.finish()
		netConn.Close()
		return nil, fmt.Errorf("%s: failed to upgrade to websocket: %w", logger.Prefix(), err)
	}
	if !stop() {
		ws.Close()
		return nil, fmt.Errorf("%s: WebSocket handshake abandoned: %w", logger.Prefix(), ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	c := NewWebSocketConn(logger, ws)
	if config.Proxy {
		c.clientAddr = originatingClientAddr(req, config.ProxyHeaderName, netConn.RemoteAddr())
		logger.DLogf("Originating client address from %s: %s", config.ProxyHeaderName, c.clientAddr)
	}
	return c, nil
}

// handshakeResponseWriter is the http.ResponseWriter and http.Hijacker handed to
// the websocket upgrader when the handshake request was read straight off an
// accepted connection rather than served by net/http.
type handshakeResponseWriter struct {
	conn        net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	header      http.Header
	wroteHeader bool
	hijacked    bool
}

func newHandshakeResponseWriter(conn net.Conn, br *bufio.Reader) *handshakeResponseWriter {
	return &handshakeResponseWriter{
		conn:   conn,
		br:     br,
		bw:     bufio.NewWriterSize(conn, wsBufferSize),
		header: http.Header{},
	}
}

func (w *handshakeResponseWriter) Header() http.Header {
	return w.header
}

func (w *handshakeResponseWriter) WriteHeader(status int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true
	w.header.Set("Connection", "close")
	fmt.Fprintf(w.bw, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	w.header.Write(w.bw)
	w.bw.WriteString("\r\n")
}

func (w *handshakeResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(p)
}

// finish flushes an error response written by the upgrader
func (w *handshakeResponseWriter) finish() {
	if !w.hijacked && w.wroteHeader {
		w.bw.Flush()
	}
}

// Hijack implements http.Hijacker
func (w *handshakeResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.wroteHeader {
		return nil, nil, fmt.Errorf("response already started")
	}
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(w.br, w.bw), nil
}
