package chshare

import "sync"

// StopSignal is a one-shot notification that one relay pump sends to its
// sibling when it stops. Each pump owns the signal it sends and waits on the
// signal its sibling sends. Sending never blocks and never fails, even if the
// sibling has already exited and will never look at it.
type StopSignal struct {
	once sync.Once
	c    chan struct{}
}

// NewStopSignal creates an unsent StopSignal
func NewStopSignal() *StopSignal {
	return &StopSignal{c: make(chan struct{})}
}

// Send fires the signal. It returns true only for the call that actually
// fired it.
func (s *StopSignal) Send() bool {
	sent := false
	s.once.Do(func() {
		close(s.c)
		sent = true
	})
	return sent
}

// Done returns a chan that is closed once the signal has been sent
func (s *StopSignal) Done() <-chan struct{} {
	return s.c
}

// IsSent reports whether the signal has been sent, without blocking
func (s *StopSignal) IsSent() bool {
	select {
	case <-s.c:
		return true
	default:
		return false
	}
}
