// Package otanet adapts a host TCP listener to the polling ota.Listener.
package otanet

import (
	"errors"
	"net"
	"os"
	"time"

	"openenterprise/dualboot/ota"
)

// DefaultPoll is how long Accept waits before reporting ota.ErrNoPending.
const DefaultPoll = 250 * time.Millisecond

// Listener is a TCP listener whose Accept gives up after a poll interval.
type Listener struct {
	ln   *net.TCPListener
	poll time.Duration
}

// Listen opens a TCP listener on addr. A poll of zero uses DefaultPoll.
func Listen(addr string, poll time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, errors.New("otanet: not a TCP listener")
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	return &Listener{ln: tl, poll: poll}, nil
}

// Accept implements ota.Listener. The returned connection supports read
// deadlines, so the server's idle timeout applies to it.
func (l *Listener) Accept() (ota.Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(l.poll)); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, ota.ErrNoPending
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener. A later Accept fails with net.ErrClosed.
func (l *Listener) Close() error { return l.ln.Close() }
