package protocol

import (
	"net"
	"os"
	"sync"
	"time"
)

// DeadlineConn refreshes the read or write deadline before every call, so
// Timeout bounds each individual receive and send rather than a whole turn.
// A zero Timeout leaves the deadlines untouched.
type DeadlineConn struct {
	net.Conn
	Timeout time.Duration

	mu      sync.Mutex
	expired bool
}

func NewDeadlineConn(conn net.Conn, timeout time.Duration) *DeadlineConn {
	return &DeadlineConn{Conn: conn, Timeout: timeout}
}

// Expire fails the call in progress and every later Read and Write with
// os.ErrDeadlineExceeded. The deadline refresh never undoes it.
func (c *DeadlineConn) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = true
	c.Conn.SetDeadline(time.Now())
}

func (c *DeadlineConn) Read(p []byte) (int, error) {
	if err := c.refresh(c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *DeadlineConn) Write(p []byte) (int, error) {
	if err := c.refresh(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *DeadlineConn) refresh(set func(time.Time) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return os.ErrDeadlineExceeded
	}
	if c.Timeout > 0 {
		return set(time.Now().Add(c.Timeout))
	}
	return nil
}
