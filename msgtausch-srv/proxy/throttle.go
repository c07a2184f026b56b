package proxy

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// throttledListener enforces Config.ThrottleReadBytesPerSec/ThrottleWriteBytesPerSec
// across every connection it accepts by sharing a single pair of rate.Limiters,
// the same token-bucket approach used for per-connection shaping elsewhere in the
// ecosystem; here the bucket is shared so the ceiling applies to the whole listener
// rather than to each connection independently.
type throttledListener struct {
	net.Listener
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// NewThrottledListener wraps l so the sum of bytes read/written across all of its
// connections is capped at readBytesPerSec/writeBytesPerSec. A zero or negative
// value leaves that direction unthrottled; if both are unthrottled l is returned
// unchanged.
func NewThrottledListener(l net.Listener, readBytesPerSec, writeBytesPerSec int64) net.Listener {
	if readBytesPerSec <= 0 && writeBytesPerSec <= 0 {
		return l
	}
	return &throttledListener{
		Listener:     l,
		readLimiter:  newByteLimiter(readBytesPerSec),
		writeLimiter: newByteLimiter(writeBytesPerSec),
	}
}

func newByteLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (l *throttledListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &throttledConn{Conn: conn, readLimiter: l.readLimiter, writeLimiter: l.writeLimiter}, nil
}

type throttledConn struct {
	net.Conn
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

func (c *throttledConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.readLimiter != nil {
		waitBytes(c.readLimiter, n)
	}
	return n, err
}

func (c *throttledConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 && c.writeLimiter != nil {
		waitBytes(c.writeLimiter, n)
	}
	return n, err
}

// waitBytes blocks until limiter has released n tokens, splitting the request
// into burst-sized chunks since WaitN rejects requests larger than the burst.
func waitBytes(limiter *rate.Limiter, n int) {
	ctx := context.Background()
	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return
		}
		n -= take
	}
}
