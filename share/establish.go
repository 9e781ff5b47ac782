package chshare

import (
	"context"

	"github.com/gorilla/websocket"
)

// DialFailureCloseReason is sent in the close frame when the TCP destination
// cannot be reached
const DialFailureCloseReason = "Could not connect to destination"

// Establish resolves the WebSocket-role and TCP-role descriptors of a session
// into live connections. The WebSocket side is always established first, so
// that a failure to reach the TCP side can be reported to the WebSocket peer
// with a close frame. On failure, whatever was already opened is cleaned up
// and the first transport error is returned.
func Establish(
	ctx context.Context,
	logger Logger,
	config *Config,
	metrics *Metrics,
	wsRole EndpointDescriptor,
	tcpRole EndpointDescriptor,
) (*WebSocketConn, *TCPConn, error) {
	ws, err := wsRole.ResolveWebSocket(ctx, logger, config)
	if err != nil {
		logger.WLogf("WebSocket side of %s failed: %s", wsRole, err)
		metrics.EstablishFailed(StageWebSocket)
		tcpRole.Abandon(logger)
		return nil, nil, err
	}

	tcp, err := tcpRole.ResolveTCP(ctx, logger, config)
	if err != nil {
		metrics.EstablishFailed(StageTCP)
		rejectWebSocket(logger, config, ws)
		return nil, nil, err
	}

	if config.Proxy && config.Mode == ModeWSToTCP {
		if err := writeProxyHeader(tcp, ws.ClientAddr(), ws.LocalAddr()); err != nil {
			metrics.EstablishFailed(StageProxyHeader)
			err = logger.Errorf("Unable to send PROXY header to %s: %s", tcp, err)
			if shutdownErr := tcp.Shutdown(); shutdownErr != nil {
				logger.DLogf("%s", shutdownErr)
			}
			rejectWebSocket(logger, config, ws)
			return nil, nil, err
		}
		logger.DLogf("Sent PROXY header for client %s to %s", ws.ClientAddr(), tcp)
	}

	return ws, tcp, nil
}

// rejectWebSocket tells the WebSocket peer that its destination is unreachable,
// waits for the close handshake to complete, and releases the connection
func rejectWebSocket(logger Logger, config *Config, ws *WebSocketConn) {
	if err := ws.WriteCloseFrame(websocket.CloseInternalServerErr, DialFailureCloseReason); err != nil {
		logger.DLogf("Unable to send close frame to %s: %s", ws, err)
	} else {
		ws.Drain(config.CloseDrainTimeout)
	}
	if err := ws.Shutdown(); err != nil {
		logger.DLogf("%s", err)
	}
}
