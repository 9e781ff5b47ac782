package chshare

import (
	"errors"
	"io"
	"os"
)

// pumpFault is the recovered value of a pump that failed abnormally
type pumpFault struct {
	pump  string
	value interface{}
}

// runPump runs a pump body to completion, always firing the pump's own stop
// signal on the way out. A panic in the body is recovered and returned as a
// fault rather than taking down the process.
func runPump(name string, own *StopSignal, body func()) (fault *pumpFault) {
	defer own.Send()
	defer func() {
		if r := recover(); r != nil {
			fault = &pumpFault{pump: name, value: r}
		}
	}()
	body()
	return nil
}

type wsReadResult struct {
	msg Message
	err error
}

// wsToTCPPump relays binary WebSocket messages to the TCP peer
type wsToTCPPump struct {
	logger  Logger
	metrics *Metrics
	source  *WebSocketSource
	w       *TCPWriteHalf
	own     *StopSignal
	sibling *StopSignal

	// peerClosed is set once the WebSocket peer has sent its close frame
	peerClosed bool
}

func (p *wsToTCPPump) run() {
	reqs := make(chan struct{})
	results := make(chan wsReadResult, 1)
	go p.readLoop(reqs, results)
	defer close(reqs)

	for {
		reqs <- struct{}{}

		var r wsReadResult
		select {
		case r = <-results:
		case <-p.sibling.Done():
			p.logger.DLogf("Stopping on signal from TCP->WS pump")
			if err := p.source.interrupt(); err != nil {
				p.logger.DLogf("Unable to interrupt WebSocket read: %s", err)
			}
			<-results
			return
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				p.logger.DLogf("WebSocket end of stream (peer sent close: %t)", p.peerClosed)
			} else {
				p.logger.DLogf("WebSocket read failed: %s", r.err)
			}
			return
		}

		switch r.msg.Kind {
		case MessageBinary:
			p.logger.TLogf("WS->TCP %d bytes: %q", len(r.msg.Data), r.msg.Data)
			if _, err := p.w.Write(r.msg.Data); err != nil {
				p.logger.DLogf("TCP write failed: %s", err)
				return
			}
			p.metrics.Relayed(DirectionWSToTCP, len(r.msg.Data))
		case MessageClose:
			p.logger.DLogf("WebSocket peer sent %s", r.msg)
			p.peerClosed = true
			if err := p.w.CloseWrite(); err != nil {
				p.logger.DLogf("TCP CloseWrite failed: %s", err)
			}
		default:
			p.logger.DLogf("Ignoring unsupported WebSocket message %s", r.msg)
		}
	}
}

// readLoop performs one Next for each request until reqs is closed. A request
// is only sent once the previous result has been consumed.
func (p *wsToTCPPump) readLoop(reqs <-chan struct{}, results chan<- wsReadResult) {
	for range reqs {
		msg, err := p.source.Next()
		results <- wsReadResult{msg: msg, err: err}
	}
}

type tcpReadResult struct {
	n   int
	err error
}

// tcpToWSPump relays TCP byte chunks to the WebSocket peer, one binary message
// per read
type tcpToWSPump struct {
	logger  Logger
	metrics *Metrics
	r       *TCPReadHalf
	sink    *WebSocketSink
	own     *StopSignal
	sibling *StopSignal
	buf     []byte

	// needClose is set when the WebSocket peer must be told that no more data
	// will follow
	needClose bool
}

func (p *tcpToWSPump) run() {
	defer func() {
		if !p.needClose {
			return
		}
		p.logger.DLogf("Sending close frame to WebSocket peer")
		if err := p.sink.WriteClose(); err != nil {
			p.logger.DLogf("Unable to send close frame: %s", err)
		}
	}()

	reqs := make(chan struct{})
	results := make(chan tcpReadResult, 1)
	go p.readLoop(reqs, results)
	defer close(reqs)

	for {
		reqs <- struct{}{}

		var r tcpReadResult
		select {
		case r = <-results:
		case <-p.sibling.Done():
			p.logger.DLogf("Stopping on signal from WS->TCP pump")
			if err := p.r.interrupt(); err != nil {
				p.logger.DLogf("Unable to interrupt TCP read: %s", err)
			}
			<-results
			p.needClose = false
			return
		}

		if r.n > 0 {
			data := p.buf[:r.n]
			p.logger.TLogf("TCP->WS %d bytes: %q", r.n, data)
			if err := p.sink.WriteBinary(data); err != nil {
				p.logger.DLogf("WebSocket send failed: %s", err)
				p.needClose = true
				return
			}
			p.metrics.Relayed(DirectionTCPToWS, r.n)
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				p.logger.DLogf("TCP peer closed its write side")
			} else if errors.Is(r.err, os.ErrDeadlineExceeded) {
				p.logger.DLogf("TCP read interrupted: %s", r.err)
			} else {
				p.logger.ELogf("TCP read failed: %s", r.err)
			}
			p.needClose = true
			return
		}
		if r.n == 0 {
			p.logger.DLogf("TCP peer closed its write side")
			p.needClose = true
			return
		}
	}
}

// readLoop performs one Read into buf for each request until reqs is closed.
// buf belongs to the pump again once the result has been delivered.
func (p *tcpToWSPump) readLoop(reqs <-chan struct{}, results chan<- tcpReadResult) {
	for range reqs {
		n, err := p.r.Read(p.buf)
		results <- tcpReadResult{n: n, err: err}
	}
}
