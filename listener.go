//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"time"

	"openenterprise/dualboot/ota"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const updateBufSize = 2030 // MTU - ethhdr - iphdr - tcphdr

// Pre-allocated update connection buffers
var (
	updateRxBuf [updateBufSize]byte
	updateTxBuf [512]byte
)

var errReadTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "tcp: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// tcpListener hands the single lneto connection to the update server once a
// client has completed the handshake.
type tcpListener struct {
	stack     *xnet.StackAsync
	port      uint16
	conn      tcp.Conn
	listening bool
	feed      func()
	logger    *slog.Logger
}

// newTCPListener listens on port. feed is called on every round of the
// connection wait loops so a slow client cannot starve the watchdog.
func newTCPListener(stack *xnet.StackAsync, port uint16, feed func(), logger *slog.Logger) (*tcpListener, error) {
	l := &tcpListener{stack: stack, port: port, feed: feed, logger: logger}
	err := l.conn.Configure(tcp.ConnConfig{
		RxBuf:             updateRxBuf[:],
		TxBuf:             updateTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Accept implements ota.Listener. It never blocks: ota.ErrNoPending is
// returned until a client is connected.
func (l *tcpListener) Accept() (ota.Conn, error) {
	if !l.listening {
		// Abort any previous state
		l.conn.Abort()
		if err := l.stack.ListenTCP(&l.conn, l.port); err != nil {
			return nil, err
		}
		l.listening = true
	}
	state := l.conn.State()
	if state.IsPreestablished() {
		return nil, ota.ErrNoPending
	}
	l.listening = false
	if !state.IsSynchronized() {
		l.conn.Abort()
		return nil, ota.ErrNoPending
	}
	l.logger.Info("ota:connected", slog.String("ip", formatRemoteIP(l.conn.RemoteAddr())))
	return &tcpConn{conn: &l.conn, feed: l.feed, logger: l.logger}, nil
}

// tcpConn gives the non-blocking lneto connection blocking reads with an
// optional deadline.
type tcpConn struct {
	conn     *tcp.Conn
	deadline time.Time
	feed     func()
	logger   *slog.Logger
}

func (c *tcpConn) Read(p []byte) (n int, err error) {
	done := pollUntil(func() bool {
		n, err = c.conn.Read(p)
		if n > 0 {
			err = nil
			return true
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			err = io.EOF
			return true
		}
		state := c.conn.State()
		if state.IsClosed() || state.IsClosing() {
			n, err = 0, io.EOF
			return true
		}
		return false
	}, c.deadline, 10*time.Millisecond, c.feed)
	if !done {
		return 0, errReadTimeout
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	c.conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
	return n, err
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

// Close closes the connection and waits for the peer to acknowledge.
func (c *tcpConn) Close() error {
	err := c.conn.Close()
	pollUntil(func() bool { return c.conn.State().IsClosed() },
		time.Now().Add(3*time.Second), 100*time.Millisecond, c.feed)
	c.conn.Abort()
	c.logger.Info("ota:disconnected")
	return err
}
