// Package otatest provides in-memory banks, boot pointer and connections for
// testing code built on package ota.
package otatest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"openenterprise/dualboot/ota"
)

var (
	ErrInjected = errors.New("otatest: injected failure")
	// ErrAbortFailed is returned by Abort when FailAbort is set.
	ErrAbortFailed = errors.New("otatest: injected abort failure")
	errTimeout     = timeoutError{}
)

// Flash is an in-memory dual-bank flash. Failure fields inject errors.
type Flash struct {
	mu    sync.Mutex
	banks [2]ota.Bank
	data  [2][]byte

	// Missing makes Bank fail for the given bank.
	Missing map[ota.BankID]bool
	// FailBegin makes Begin fail.
	FailBegin bool
	// FailWriteAt makes the write covering this zero-based byte offset fail.
	// Negative disables.
	FailWriteAt int64
	// FailCommit makes Commit fail.
	FailCommit bool
	// FailAbort makes Abort fail after counting it.
	FailAbort bool

	Begins  int
	Aborts  int
	Commits int
	// Writes counts bytes handed to any writer, including failed sessions.
	Writes int64
}

// NewFlash returns two banks of size bytes each, labelled app0 and app1.
func NewFlash(size uint32) *Flash {
	f := &Flash{FailWriteAt: -1}
	for i, id := range []ota.BankID{ota.BankA, ota.BankB} {
		f.banks[i] = ota.Bank{
			ID:     id,
			Label:  fmt.Sprintf("app%d", i),
			Offset: 0x10000 + uint32(i)*size,
			Size:   size,
		}
		f.data[i] = bytes.Repeat([]byte{byte(0xA0 + i)}, int(size))
	}
	return f
}

// Bank implements ota.Flash.
func (f *Flash) Bank(id ota.BankID) (ota.Bank, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !id.Valid() || f.Missing[id] {
		return ota.Bank{}, fmt.Errorf("bank %s: %w", id, ErrInjected)
	}
	return f.banks[id], nil
}

// Begin implements ota.Flash.
func (f *Flash) Begin(b ota.Bank, size int64) (ota.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBegin {
		return nil, ErrInjected
	}
	f.Begins++
	data := f.data[b.ID]
	for i := range data {
		data[i] = 0xFF
	}
	return &writer{f: f, id: b.ID, size: size}, nil
}

// Contents returns a copy of a bank's bytes.
func (f *Flash) Contents(id ota.BankID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.data[id])
}

// Image returns the first n bytes of a bank.
func (f *Flash) Image(id ota.BankID, n int) []byte {
	return f.Contents(id)[:n]
}

type writer struct {
	f      *Flash
	id     ota.BankID
	size   int64
	off    int64
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.closed {
		return 0, ota.ErrSessionClosed
	}
	if w.off+int64(len(p)) > w.size {
		return 0, ota.ErrWriteOverflow
	}
	w.f.Writes += int64(len(p))
	if at := w.f.FailWriteAt; at >= w.off && at < w.off+int64(len(p)) {
		n := at - w.off
		copy(w.f.data[w.id][w.off:], p[:n])
		w.off += n
		return int(n), ErrInjected
	}
	copy(w.f.data[w.id][w.off:], p)
	w.off += int64(len(p))
	return len(p), nil
}

func (w *writer) Abort() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.closed = true
	w.f.Aborts++
	if w.f.FailAbort {
		return ErrAbortFailed
	}
	data := w.f.data[w.id]
	for i := range data {
		data[i] = 0xFF
	}
	return nil
}

func (w *writer) Commit() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.f.FailCommit {
		return ErrInjected
	}
	w.closed = true
	w.f.Commits++
	return nil
}

// Boot is an in-memory boot pointer.
type Boot struct {
	mu       sync.Mutex
	running  ota.BankID
	next     ota.BankID
	Sets     int
	FailSet  bool
	FailRead bool
}

// NewBoot returns a boot pointer running from and pointing at running.
func NewBoot(running ota.BankID) *Boot {
	return &Boot{running: running, next: running}
}

func (b *Boot) Running() (ota.BankID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailRead {
		return 0, ErrInjected
	}
	return b.running, nil
}

func (b *Boot) SetNext(id ota.BankID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSet {
		return ErrInjected
	}
	b.next = id
	b.Sets++
	return nil
}

// Next returns the bank the device would start from.
func (b *Boot) Next() ota.BankID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Restart simulates a device restart: the boot pointer becomes the running bank.
func (b *Boot) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = b.next
}

// Restarts counts restart requests.
type Restarts struct {
	mu sync.Mutex
	n  int
}

func (r *Restarts) Restart() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func (r *Restarts) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Conn is a scripted connection. Reads come from the input; once it is
// exhausted Read returns io.EOF, or a timeout error when Stall is set.
// Everything written is captured.
type Conn struct {
	in     io.Reader
	out    bytes.Buffer
	closed bool
	// Stall makes an exhausted input look like an idle peer instead of a
	// closed one.
	Stall bool
	// FailWrite, when set, is returned by every Write.
	FailWrite error

	Deadlines int
}

// NewConn returns a connection that reads input.
func NewConn(input string) *Conn {
	return &Conn{in: bytes.NewReader([]byte(input))}
}

// NewConnReader returns a connection reading from r.
func NewConnReader(r io.Reader) *Conn {
	return &Conn{in: r}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := c.in.Read(p)
	if errors.Is(err, io.EOF) && c.Stall {
		return n, errTimeout
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if c.FailWrite != nil {
		return 0, c.FailWrite
	}
	return c.out.Write(p)
}

func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func (c *Conn) SetReadDeadline(time.Time) error {
	c.Deadlines++
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed }

// Output returns everything written to the connection.
func (c *Conn) Output() string { return c.out.String() }

// Listener hands out queued connections, then ErrNoPending.
type Listener struct {
	Conns []*Conn
}

func (l *Listener) Accept() (ota.Conn, error) {
	if len(l.Conns) == 0 {
		return nil, ota.ErrNoPending
	}
	c := l.Conns[0]
	l.Conns = l.Conns[1:]
	return c, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "otatest: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Journal collects events.
type Journal struct {
	Events []ota.Event
}

func (j *Journal) Record(ev ota.Event) error {
	j.Events = append(j.Events, ev)
	return nil
}
