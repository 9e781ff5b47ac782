package chshare

// WriteHalfCloser is an interface for bidirectional io streams that implement CloseWrite()
type WriteHalfCloser interface {
	// CloseWrite shuts down the writing half of a bidirectional io stream (e.g., "socket").
	// Corresponds to net.TCPConn.CloseWrite(). The remote reader observes end-of-stream,
	// while the read half of the local stream remains active.
	CloseWrite() error
}

// closeWrite half-closes w if it supports it. It reports whether a
// half-close was actually issued.
func closeWrite(w interface{}) (bool, error) {
	whc, ok := w.(WriteHalfCloser)
	if !ok {
		return false, nil
	}
	return true, whc.CloseWrite()
}
