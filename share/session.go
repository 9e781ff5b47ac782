package chshare

import (
	"context"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Session bridges one WebSocket connection and one TCP connection. It is
// started once; after a successful Start it relays in both directions until
// either transport ends, then tears both connections down.
type Session struct {
	logger  Logger
	config  *Config
	metrics *Metrics
	done    chan struct{}
	started int32

	bytesWSToTCP int64
	bytesTCPToWS int64
	faulted      bool
}

// NewSession creates a Session. metrics may be nil.
func NewSession(logger Logger, config *Config, metrics *Metrics) *Session {
	return &Session{
		logger:  logger,
		config:  config,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Start establishes both endpoints of the session and, if that succeeds,
// launches the relay pumps and the teardown that follows them. Start returns
// once relaying has begun; it does not wait for the session to end. An error
// means the session never started relaying, and whatever had been opened has
// already been cleaned up.
func (s *Session) Start(ctx context.Context, wsRole EndpointDescriptor, tcpRole EndpointDescriptor) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return s.logger.Errorf("Session already started")
	}

	ws, tcp, err := Establish(ctx, s.logger, s.config, s.metrics, wsRole, tcpRole)
	if err != nil {
		close(s.done)
		return err
	}
	s.logger.DLogf("Bridging %s <-> %s", ws, tcp)
	s.metrics.SessionStarted()

	source, sink := ws.Split()
	r, w := tcp.Split()
	toTCPStop := NewStopSignal()
	toWSStop := NewStopSignal()

	bufSize := s.config.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}

	toTCP := &wsToTCPPump{
		logger:  s.logger.Fork("ws->tcp"),
		metrics: s.metrics,
		source:  source,
		w:       w,
		own:     toTCPStop,
		sibling: toWSStop,
	}
	toWS := &tcpToWSPump{
		logger:  s.logger.Fork("tcp->ws"),
		metrics: s.metrics,
		r:       r,
		sink:    sink,
		own:     toWSStop,
		sibling: toTCPStop,
		buf:     make([]byte, bufSize),
	}

	toTCPDone := make(chan *pumpFault, 1)
	toWSDone := make(chan *pumpFault, 1)
	go func() {
		toTCPDone <- runPump("ws->tcp", toTCP.own, toTCP.run)
	}()
	go func() {
		toWSDone <- runPump("tcp->ws", toWS.own, toWS.run)
	}()

	go s.teardown(toTCP, toWS, toTCPDone, toWSDone)
	return nil
}

// teardown joins both pumps, then reunites and shuts down both connections.
// Errors are logged, never returned.
func (s *Session) teardown(
	toTCP *wsToTCPPump,
	toWS *tcpToWSPump,
	toTCPDone <-chan *pumpFault,
	toWSDone <-chan *pumpFault,
) {
	defer close(s.done)
	defer s.metrics.SessionEnded()

	faults := []*pumpFault{<-toTCPDone, <-toWSDone}
	for _, fault := range faults {
		if fault != nil {
			s.faulted = true
			s.logger.ELogf("Pump %s failed, abandoning session: %v", fault.pump, fault.value)
		}
	}
	if s.faulted {
		s.metrics.SessionFaulted()
		return
	}

	s.bytesWSToTCP = toTCP.w.NumBytesWritten()
	s.bytesTCPToWS = toWS.r.NumBytesRead()

	tcp := ReuniteTCP(toWS.r, toTCP.w)
	if err := tcp.Shutdown(); err != nil {
		s.logger.DLogf("TCP shutdown failed: %s", err)
	}
	ws := ReuniteWebSocket(toWS.sink, toTCP.source)
	if err := ws.Shutdown(); err != nil {
		s.logger.DLogf("WebSocket shutdown failed: %s", err)
	}

	s.logger.ILogf("Closed (ws->tcp %s, tcp->ws %s)",
		sizestr.ToString(s.bytesWSToTCP),
		sizestr.ToString(s.bytesTCPToWS))
}

// Done returns a chan that is closed once the session has ended and its
// connections have been released, or Start has failed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has ended
func (s *Session) Wait() {
	<-s.done
}

// BytesWSToTCP returns the number of bytes relayed from the WebSocket peer to the
// TCP peer. Valid after Done is closed.
func (s *Session) BytesWSToTCP() int64 {
	return s.bytesWSToTCP
}

// BytesTCPToWS returns the number of bytes relayed from the TCP peer to the
// WebSocket peer. Valid after Done is closed.
func (s *Session) BytesTCPToWS() int64 {
	return s.bytesTCPToWS
}

// Faulted reports whether the session was abandoned because a pump failed.
// Valid after Done is closed.
func (s *Session) Faulted() bool {
	return s.faulted
}
