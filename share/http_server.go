package chshare

import (
	"context"
	"net"
	"net/http"
	"time"
)

//HTTPServer extends net/http Server and
//adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

//NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: nil,
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	err := h.Server.Close()
	if err != nil {
		h.DLogf("HTTPserver: close failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start begins listening on addr and serving requests with handler in the
// background. It returns once the listener is open. The server shuts down
// when the context is cancelled or Shutdown() is called.
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			h.ILogf("Listening on %s", l.Addr())

			go func() {
				err := h.Serve(l)
				if err == http.ErrServerClosed {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
}

// ListenAddr returns the address the server is listening on, or nil before Start
func (h *HTTPServer) ListenAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
