package chshare

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTime is how long a client's limiter is kept after its last connection
const limiterIdleTime = 3 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AcceptLimiter applies a token-bucket connection rate limit to each client IP
// independently. A nil *AcceptLimiter allows everything.
type AcceptLimiter struct {
	lock      sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastPrune time.Time
}

// NewAcceptLimiter creates a limiter that allows perSecond connections per
// second from each client IP, with bursts of up to burst. It returns nil if
// perSecond is zero.
func NewAcceptLimiter(perSecond float64, burst int) *AcceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &AcceptLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		clients:   make(map[string]*clientLimiter),
		lastPrune: time.Now(),
	}
}

// Allow reports whether a new connection from addr may proceed
func (l *AcceptLimiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	key := addr.String()
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}

	now := time.Now()
	l.lock.Lock()
	defer l.lock.Unlock()
	if now.Sub(l.lastPrune) > limiterIdleTime {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTime {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}
	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
