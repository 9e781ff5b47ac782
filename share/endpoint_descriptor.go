package chshare

import (
	"context"
	"fmt"
	"net"
)

// EndpointDescriptor describes how to obtain the live connection for one side of
// a bridge session: either a connection that a listener has already accepted, or
// a destination that must be dialed. A descriptor is consumed exactly once,
// either by resolving it or by abandoning it.
type EndpointDescriptor interface {
	fmt.Stringer

	// ResolveWebSocket produces a live WebSocket connection: a server-side
	// handshake over an accepted connection, or a client-side handshake with a
	// dialed destination URL.
	ResolveWebSocket(ctx context.Context, logger Logger, config *Config) (*WebSocketConn, error)

	// ResolveTCP produces a live TCP connection: the accepted connection as-is,
	// or a newly dialed one.
	ResolveTCP(ctx context.Context, logger Logger, config *Config) (*TCPConn, error)

	// Abandon releases the descriptor without resolving it. An accepted
	// connection is shut down; a destination holds nothing to release.
	Abandon(logger Logger)
}

// AcceptedEndpoint is an EndpointDescriptor for a connection already accepted
// by a listener
type AcceptedEndpoint struct {
	conn     net.Conn
	consumed bool
}

// Accepted creates an EndpointDescriptor that takes ownership of an accepted connection
func Accepted(conn net.Conn) *AcceptedEndpoint {
	return &AcceptedEndpoint{conn: conn}
}

func (ep *AcceptedEndpoint) String() string {
	return fmt.Sprintf("accepted(%s)", ep.conn.RemoteAddr())
}

func (ep *AcceptedEndpoint) take() (net.Conn, error) {
	if ep.consumed {
		return nil, fmt.Errorf("endpoint %s already consumed", ep)
	}
	ep.consumed = true
	return ep.conn, nil
}

// ResolveWebSocket performs a server-side WebSocket handshake over the accepted connection
func (ep *AcceptedEndpoint) ResolveWebSocket(ctx context.Context, logger Logger, config *Config) (*WebSocketConn, error) {
	conn, err := ep.take()
	if err != nil {
		return nil, err
	}
	return acceptWebSocket(ctx, logger, config, conn)
}

// ResolveTCP returns the accepted connection
func (ep *AcceptedEndpoint) ResolveTCP(ctx context.Context, logger Logger, config *Config) (*TCPConn, error) {
	conn, err := ep.take()
	if err != nil {
		return nil, err
	}
	return NewTCPConn(logger, conn), nil
}

// Abandon shuts down the accepted connection so that it is not left half-open
func (ep *AcceptedEndpoint) Abandon(logger Logger) {
	conn, err := ep.take()
	if err != nil {
		return
	}
	if err := NewTCPConn(logger, conn).Shutdown(); err != nil {
		logger.DLogf("Shutdown of abandoned connection failed, ignoring: %s", err)
	}
}

// DestinationEndpoint is an EndpointDescriptor for an address or URL that must be dialed
type DestinationEndpoint struct {
	address  string
	consumed bool
}

// Destination creates an EndpointDescriptor for an ip:port (TCP) or a
// WebSocket URL
func Destination(address string) *DestinationEndpoint {
	return &DestinationEndpoint{address: address}
}

func (ep *DestinationEndpoint) String() string {
	return fmt.Sprintf("destination(%s)", ep.address)
}

func (ep *DestinationEndpoint) take() (string, error) {
	if ep.consumed {
		return "", fmt.Errorf("endpoint %s already consumed", ep)
	}
	ep.consumed = true
	return ep.address, nil
}

// ResolveWebSocket dials the destination URL and performs a client-side handshake
func (ep *DestinationEndpoint) ResolveWebSocket(ctx context.Context, logger Logger, config *Config) (*WebSocketConn, error) {
	address, err := ep.take()
	if err != nil {
		return nil, err
	}
	return dialWebSocket(ctx, logger, config, address)
}

// ResolveTCP dials the destination address
func (ep *DestinationEndpoint) ResolveTCP(ctx context.Context, logger Logger, config *Config) (*TCPConn, error) {
	address, err := ep.take()
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: config.HandshakeTimeout}
	logger.DLogf("Dialing TCP destination %s", address)
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%s: TCP dial of %s failed: %w", logger.Prefix(), address, err)
	}
	return NewTCPConn(logger, conn), nil
}

// Abandon marks the destination consumed; nothing has been opened
func (ep *DestinationEndpoint) Abandon(logger Logger) {
	ep.take()
}
