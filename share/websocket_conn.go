package chshare

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWriteTimeout bounds how long writing a close frame may block
const controlWriteTimeout = 5 * time.Second

// MessageKind classifies an inbound WebSocket message
type MessageKind int

const (
	// MessageBinary carries relayed payload bytes
	MessageBinary MessageKind = iota

	// MessageClose is the peer's close frame
	MessageClose

	// MessageOther is any data message the bridge does not relay (text)
	MessageOther
)

var messageKindNames = [...]string{"binary", "close", "other"}

func (k MessageKind) String() string {
	if k < MessageBinary || k > MessageOther {
		return "unknown"
	}
	return messageKindNames[k]
}

// Message is a single inbound WebSocket message
type Message struct {
	Kind MessageKind

	// Data is the payload of binary and other messages
	Data []byte

	// CloseCode and CloseText are set for MessageClose
	CloseCode int
	CloseText string
}

func (m Message) String() string {
	switch m.Kind {
	case MessageClose:
		return fmt.Sprintf("Close(%d, %q)", m.CloseCode, m.CloseText)
	default:
		return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Data))
	}
}

// WebSocketConn is the live WebSocket-role connection of a bridge session. While
// a session is relaying it is split into a WebSocketSource owned by the WS->TCP
// pump and a WebSocketSink owned by the TCP->WS pump; it must be reunited before
// it can be shut down.
type WebSocketConn struct {
	logger Logger
	id     int32
	name   string
	ws     *websocket.Conn

	// clientAddr is the originating client address reported by a forwarding
	// header during a server-side handshake; nil otherwise
	clientAddr net.Addr

	lock         sync.Mutex
	split        bool
	shutdownDone bool
}

// NewWebSocketConn wraps an established gorilla websocket.Conn. The
// WebSocketConn becomes the owner of ws.
func NewWebSocketConn(logger Logger, ws *websocket.Conn) *WebSocketConn {
	id := allocConnID()
	name := fmt.Sprintf("[%d]WS(%s)", id, ws.RemoteAddr())
	return &WebSocketConn{
		logger: logger.Fork("%s", name),
		id:     id,
		name:   name,
		ws:     ws,
	}
}

func (c *WebSocketConn) String() string {
	return c.name
}

// RemoteAddr returns the network address of the WebSocket peer
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// LocalAddr returns the local network address of the WebSocket connection
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// ClientAddr returns the originating client address learned from a forwarding
// header, or the peer address if none was reported
func (c *WebSocketConn) ClientAddr() net.Addr {
	if c.clientAddr != nil {
		return c.clientAddr
	}
	return c.ws.RemoteAddr()
}

// WriteCloseFrame sends a close frame with the given code and reason. Passing
// websocket.CloseNoStatusReceived sends an empty close frame. Safe to call
// concurrently with reads.
func (c *WebSocketConn) WriteCloseFrame(code int, reason string) error {
	return c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(controlWriteTimeout),
	)
}

// Drain discards inbound messages until the peer finishes the close handshake
// or the connection fails. A non-zero timeout bounds the wait.
func (c *WebSocketConn) Drain(timeout time.Duration) {
	if timeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(timeout))
	}
	n := 0
	for {
		_, _, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.DLogf("Drain finished after %d discarded messages: %s", n, err)
			return
		}
		n++
	}
}

// Split decomposes the connection into an exclusively owned message source
// and message sink. The connection cannot be shut down until ReuniteWebSocket
// is called with both halves.
func (c *WebSocketConn) Split() (*WebSocketSource, *WebSocketSink) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.split {
		c.logger.Panicf("Split of a connection that is already split")
	}
	c.split = true
	return &WebSocketSource{conn: c}, &WebSocketSink{conn: c}
}

// ReuniteWebSocket recombines the two halves of a split WebSocketConn.
// Recombining halves of different connections is a logic error and panics.
func ReuniteWebSocket(sink *WebSocketSink, source *WebSocketSource) *WebSocketConn {
	if sink.conn != source.conn || sink.conn.id != source.conn.id {
		sink.conn.logger.Panicf("Attempt to reunite sink of %s with source of %s", sink.conn, source.conn)
	}
	c := sink.conn
	c.lock.Lock()
	c.split = false
	c.lock.Unlock()
	sink.conn = nil
	source.conn = nil
	return c
}

// Shutdown closes the underlying network connection. Close frames are the
// pumps' business; by the time a session shuts the connection down they have
// already been exchanged or abandoned. It may only be called on a connection
// that is not split, and only once.
func (c *WebSocketConn) Shutdown() error {
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

	if err := c.ws.Close(); err != nil {
		return c.logger.Errorf("Close failed: %s", err)
	}
	return nil
}

// WebSocketSource is the exclusively owned read side of a split WebSocketConn
type WebSocketSource struct {
	conn      *WebSocketConn
	closeSeen bool
}

// Next returns the next inbound message. Ping and pong frames are answered by
// the websocket library and never surface here. After the peer's close frame
// has been returned as a MessageClose, Next returns io.EOF.
func (s *WebSocketSource) Next() (Message, error) {
	if s.closeSeen {
		return Message{}, io.EOF
	}
	mt, data, err := s.conn.ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			s.closeSeen = true
			return Message{Kind: MessageClose, CloseCode: closeErr.Code, CloseText: closeErr.Text}, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	if mt == websocket.BinaryMessage {
		return Message{Kind: MessageBinary, Data: data}, nil
	}
	return Message{Kind: MessageOther, Data: data}, nil
}

// interrupt causes a Next blocked in another goroutine to return promptly
func (s *WebSocketSource) interrupt() error {
	return s.conn.ws.SetReadDeadline(time.Now())
}

func (s *WebSocketSource) String() string {
	return s.conn.name + ".source"
}

// WebSocketSink is the exclusively owned write side of a split WebSocketConn
type WebSocketSink struct {
	conn *WebSocketConn
}

// WriteBinary sends data as one binary message
func (s *WebSocketSink) WriteBinary(data []byte) error {
	return s.conn.ws.WriteMessage(websocket.BinaryMessage, data)
}

// WriteClose sends an empty close frame, signalling end of data to the peer
func (s *WebSocketSink) WriteClose() error {
	return s.conn.WriteCloseFrame(websocket.CloseNoStatusReceived, "")
}

func (s *WebSocketSink) String() string {
	return s.conn.name + ".sink"
}
