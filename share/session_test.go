package chshare

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type receivedMessages struct {
	messages [][]byte
	closeErr *websocket.CloseError
	err      error
}

// collectMessages reads binary messages until the connection fails or closes
func collectMessages(ws *websocket.Conn) receivedMessages {
	var r receivedMessages
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !errors.As(err, &r.closeErr) {
				r.err = err
			}
			return r
		}
		if mt == websocket.BinaryMessage {
			r.messages = append(r.messages, data)
		}
	}
}

func TestSessionTCPToWebSocketChunking(t *testing.T) {
	lg := newTestLogger(t)
	results := make(chan receivedMessages, 1)
	_, url := newWebSocketServer(t, func(ws *websocket.Conn) {
		results <- collectMessages(ws)
	})
	bridgeEnd, testEnd := newTestSocketPair(t)

	config := newTestConfig(ModeTCPToWS)
	session := NewSession(lg, config, nil)
	err := session.Start(context.Background(), Destination(url), Accepted(bridgeEnd))
	if err != nil {
		t.Fatalf("Session.Start() returned error: %s", err)
	}

	payload := make([]byte, 2000)
	rand.Read(payload)
	if _, err := testEnd.Write(payload); err != nil {
		t.Fatalf("Write to TCP peer failed: %s", err)
	}
	if err := testEnd.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite of TCP peer failed: %s", err)
	}

	var r receivedMessages
	select {
	case r = <-results:
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for WebSocket peer to finish")
	}
	if r.err != nil {
		t.Errorf("WebSocket peer read failed instead of receiving a close frame: %s", r.err)
	}
	if r.closeErr == nil {
		t.Errorf("WebSocket peer never received a close frame")
	} else if r.closeErr.Code != websocket.CloseNoStatusReceived {
		t.Errorf("Expected an empty close frame, got code %d (%q)", r.closeErr.Code, r.closeErr.Text)
	}

	var received []byte
	for i, m := range r.messages {
		if len(m) == 0 || len(m) > config.ReadBufferSize {
			t.Errorf("Message %d has %d bytes; expected 1..%d", i, len(m), config.ReadBufferSize)
		}
		received = append(received, m...)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("WebSocket peer received %d bytes in %d messages, which do not match the %d bytes sent",
			len(received), len(r.messages), len(payload))
	}

	waitDone(t, "session teardown", session.Done())
	if session.Faulted() {
		t.Errorf("Session reported a pump fault")
	}
	if n := session.BytesTCPToWS(); n != int64(len(payload)) {
		t.Errorf("BytesTCPToWS() = %d, expected %d", n, len(payload))
	}
	if n := bridgeEnd.numCloses(); n != 1 {
		t.Errorf("TCP connection closed %d times, expected exactly once", n)
	}
}

func TestSessionWebSocketToTCP(t *testing.T) {
	lg := newTestLogger(t)
	peerDone := make(chan error, 1)
	_, url := newWebSocketServer(t, func(ws *websocket.Conn) {
		for _, s := range []string{"hello ", "wide ", "world"} {
			if err := ws.WriteMessage(websocket.BinaryMessage, []byte(s)); err != nil {
				peerDone <- err
				return
			}
		}
		// text messages are not relayed
		ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		err := ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(testTimeout),
		)
		if err != nil {
			peerDone <- err
			return
		}
		r := collectMessages(ws)
		peerDone <- r.err
	})
	bridgeEnd, testEnd := newTestSocketPair(t)

	session := NewSession(lg, newTestConfig(ModeTCPToWS), nil)
	err := session.Start(context.Background(), Destination(url), Accepted(bridgeEnd))
	if err != nil {
		t.Fatalf("Session.Start() returned error: %s", err)
	}

	testEnd.SetReadDeadline(time.Now().Add(testTimeout))
	received, err := io.ReadAll(testEnd)
	if err != nil {
		t.Fatalf("TCP peer read failed: %s", err)
	}
	if string(received) != "hello wide world" {
		t.Errorf("TCP peer received %q, expected %q", received, "hello wide world")
	}

	waitDone(t, "session teardown", session.Done())
	if n := session.BytesWSToTCP(); n != int64(len("hello wide world")) {
		t.Errorf("BytesWSToTCP() = %d, expected %d", n, len("hello wide world"))
	}
	if n := bridgeEnd.numCloses(); n != 1 {
		t.Errorf("TCP connection closed %d times, expected exactly once", n)
	}
	select {
	case err := <-peerDone:
		if err != nil {
			t.Errorf("WebSocket peer failed: %s", err)
		}
	case <-time.After(testTimeout):
		t.Errorf("Timed out waiting for WebSocket peer to finish")
	}
}

func TestEstablishTCPDialFailureClosesWebSocket(t *testing.T) {
	lg := newTestLogger(t)
	results := make(chan receivedMessages, 1)
	_, url := newWebSocketServer(t, func(ws *websocket.Conn) {
		results <- collectMessages(ws)
	})

	metrics := NewMetrics()
	session := NewSession(lg, newTestConfig(ModeWSToTCP), metrics)
	err := session.Start(context.Background(), Destination(url), Destination(unusedAddress(t)))
	if err == nil {
		t.Fatalf("Session.Start() succeeded with an unreachable TCP destination")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("Expected the dial error to be a *net.OpError, got %T: %s", err, err)
	}
	waitDone(t, "failed session", session.Done())

	select {
	case r := <-results:
		if r.closeErr == nil {
			t.Fatalf("WebSocket peer did not receive a close frame (err=%v)", r.err)
		}
		if r.closeErr.Code != websocket.CloseInternalServerErr {
			t.Errorf("Close code = %d, expected %d", r.closeErr.Code, websocket.CloseInternalServerErr)
		}
		if r.closeErr.Text != DialFailureCloseReason {
			t.Errorf("Close reason = %q, expected %q", r.closeErr.Text, DialFailureCloseReason)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for WebSocket peer")
	}
}

func TestEstablishWebSocketFailureShutsDownAcceptedTCP(t *testing.T) {
	lg := newTestLogger(t)
	bridgeEnd, testEnd := newTestSocketPair(t)

	session := NewSession(lg, newTestConfig(ModeTCPToWS), nil)
	err := session.Start(context.Background(), Destination("ws://"+unusedAddress(t)), Accepted(bridgeEnd))
	if err == nil {
		t.Fatalf("Session.Start() succeeded with an unreachable WebSocket destination")
	}

	if n := bridgeEnd.numCloses(); n != 1 {
		t.Errorf("Accepted connection closed %d times, expected exactly once", n)
	}
	testEnd.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	if _, err := testEnd.Read(buf); err != io.EOF {
		t.Errorf("Expected TCP peer to observe EOF, got %v", err)
	}
}

func TestSessionStartTwice(t *testing.T) {
	lg := newTestLogger(t)
	session := NewSession(lg, newTestConfig(ModeTCPToWS), nil)
	bridgeEnd, _ := newTestSocketPair(t)
	session.Start(context.Background(), Destination("ws://"+unusedAddress(t)), Accepted(bridgeEnd))
	if err := session.Start(context.Background(), Destination("ws://127.0.0.1:1"), Destination("127.0.0.1:1")); err == nil {
		t.Errorf("Second Session.Start() did not fail")
	}
}

func TestRunPumpRecoversFault(t *testing.T) {
	own := NewStopSignal()
	fault := runPump("test", own, func() {
		panic("boom")
	})
	if fault == nil {
		t.Fatalf("runPump() did not report the panic as a fault")
	}
	if fault.value != "boom" {
		t.Errorf("Fault value = %v, expected boom", fault.value)
	}
	if !own.IsSent() {
		t.Errorf("Faulted pump did not send its stop signal")
	}

	own = NewStopSignal()
	if fault := runPump("test", own, func() {}); fault != nil {
		t.Errorf("runPump() reported a fault for a normal exit: %v", fault.value)
	}
	if !own.IsSent() {
		t.Errorf("Pump did not send its stop signal on normal exit")
	}
}

func TestSessionSendsOneCloseFrame(t *testing.T) {
	cases := []struct {
		name string
		// end closes one side of the session
		end func(t *testing.T, ws *websocket.Conn, tcpPeer *net.UnixConn)
		// closePayload is the payload of the only close frame the WebSocket
		// client should receive
		closePayload []byte
	}{
		{
			name: "websocket peer closes first",
			end: func(t *testing.T, ws *websocket.Conn, tcpPeer *net.UnixConn) {
				err := ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(testTimeout))
				if err != nil {
					t.Fatalf("WriteControl() of close frame failed: %s", err)
				}
			},
			// the websocket library's reply echoes our code with no reason
			closePayload: websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		},
		{
			name: "tcp peer closes first",
			end: func(t *testing.T, ws *websocket.Conn, tcpPeer *net.UnixConn) {
				if err := tcpPeer.CloseWrite(); err != nil {
					t.Fatalf("CloseWrite of TCP peer failed: %s", err)
				}
			},
			closePayload: []byte{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lg := newTestLogger(t)
			wsBridgeEnd, wsTestEnd := newTestSocketPair(t)
			tcpBridgeEnd, tcpTestEnd := newTestSocketPair(t)
			rec := &recordingConn{Conn: wsTestEnd}
			clientResults := dialWebSocketOver(rec)

			session := NewSession(lg, newTestConfig(ModeWSToTCP), nil)
			err := session.Start(context.Background(), Accepted(wsBridgeEnd), Accepted(tcpBridgeEnd))
			if err != nil {
				t.Fatalf("Session.Start() returned error: %s", err)
			}
			ws := waitClient(t, clientResults)

			c.end(t, ws, tcpTestEnd)

			ws.SetReadDeadline(time.Now().Add(testTimeout))
			if _, _, err := ws.ReadMessage(); err == nil {
				t.Errorf("WebSocket client received a message, expected a close frame")
			}
			tcpTestEnd.SetReadDeadline(time.Now().Add(testTimeout))
			if _, err := tcpTestEnd.Read(make([]byte, 1)); err != io.EOF {
				t.Errorf("Expected TCP peer to observe EOF, got %v", err)
			}

			waitDone(t, "session teardown", session.Done())
			if session.Faulted() {
				t.Errorf("Session reported a pump fault")
			}

			// read whatever else the bridge sent before closing the connection
			wsTestEnd.SetReadDeadline(time.Now().Add(testTimeout))
			io.Copy(io.Discard, rec)
			closes := serverCloseFrames(t, rec.Received())
			if len(closes) != 1 {
				t.Errorf("WebSocket client received %d close frames, expected exactly one", len(closes))
			} else if !bytes.Equal(closes[0], c.closePayload) {
				t.Errorf("Close frame payload = %x, expected %x", closes[0], c.closePayload)
			}

			if n := wsBridgeEnd.numCloses(); n != 1 {
				t.Errorf("WebSocket connection closed %d times, expected exactly once", n)
			}
			if n := tcpBridgeEnd.numCloses(); n != 1 {
				t.Errorf("TCP connection closed %d times, expected exactly once", n)
			}
		})
	}
}

func TestSessionPumpFaultAbandonsConnections(t *testing.T) {
	lg := &faultingLogger{Logger: newTestLogger(t), faultIn: "ws->tcp"}
	wsBridgeEnd, wsTestEnd := newTestSocketPair(t)
	tcpBridgeEnd, _ := newTestSocketPair(t)
	clientResults := dialWebSocketOver(wsTestEnd)

	metrics := NewMetrics()
	session := NewSession(lg, newTestConfig(ModeWSToTCP), metrics)
	err := session.Start(context.Background(), Accepted(wsBridgeEnd), Accepted(tcpBridgeEnd))
	if err != nil {
		t.Fatalf("Session.Start() returned error: %s", err)
	}
	ws := waitClient(t, clientResults)

	// relaying this message makes the WS->TCP pump panic
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("boom")); err != nil {
		t.Fatalf("WriteMessage() failed: %s", err)
	}

	waitDone(t, "faulted session", session.Done())
	if !session.Faulted() {
		t.Errorf("Faulted() = false after a pump panic")
	}
	if n := wsBridgeEnd.numCloses(); n != 0 {
		t.Errorf("WebSocket connection of a faulted session closed %d times, expected it to be abandoned", n)
	}
	if n := tcpBridgeEnd.numCloses(); n != 0 {
		t.Errorf("TCP connection of a faulted session closed %d times, expected it to be abandoned", n)
	}
}

func TestTCPToWebSocketPumpClosesAfterFailedSend(t *testing.T) {
	var logged bytes.Buffer
	lg := NewLoggerWithWriter(&logged, t.Name(), LogLevelDebug)

	c, err := dialWebSocket(context.Background(), newTestLogger(t), newTestConfig(ModeTCPToWS),
		newWebSocketEchoServer(t))
	if err != nil {
		t.Fatalf("dialWebSocket() returned error: %s", err)
	}
	c.ws.UnderlyingConn().Close()
	_, sink := c.Split()

	bridgeEnd, testEnd := newTestSocketPair(t)
	r, _ := NewTCPConn(newTestLogger(t), bridgeEnd).Split()
	if _, err := testEnd.Write([]byte("data")); err != nil {
		t.Fatalf("Write to TCP peer failed: %s", err)
	}

	p := &tcpToWSPump{
		logger:  lg,
		r:       r,
		sink:    sink,
		own:     NewStopSignal(),
		sibling: NewStopSignal(),
		buf:     make([]byte, 16),
	}
	if fault := runPump("tcp->ws", p.own, p.run); fault != nil {
		t.Fatalf("Pump faulted: %v", fault.value)
	}
	out := logged.String()
	if !strings.Contains(out, "WebSocket send failed") {
		t.Errorf("Pump did not report the failed send; log:\n%s", out)
	}
	if !strings.Contains(out, "Sending close frame") {
		t.Errorf("Pump did not attempt a close frame after the failed send; log:\n%s", out)
	}
}
