package ota

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// SessionState is the lifecycle state of a transfer session.
type SessionState uint8

const (
	SessionOpen SessionState = iota
	SessionCommitted
	SessionAborted
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// Progress describes a transfer in flight.
type Progress struct {
	Bank         Bank
	BytesWritten int64
	Total        int64
	Elapsed      time.Duration
}

// Percentage returns completion in the range 0..100.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.BytesWritten) * 100 / float64(p.Total)
}

// ProgressFunc is called after every chunk written. It should return quickly.
type ProgressFunc func(Progress)

// maxEmptyReads bounds consecutive (0, nil) reads before the body is
// considered ended.
const maxEmptyReads = 100

// Session streams one request body into a bank. It never writes more than
// the declared length and, once aborted or committed, never writes again.
type Session struct {
	bank     Bank
	expected int64
	written  int64
	w        Writer
	state    SessionState
	started  time.Time
	readErr  error
	progress ProgressFunc
}

// OpenSession erases bank and opens a write session for exactly expected bytes.
func OpenSession(flash Flash, bank Bank, expected int64) (*Session, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("ota: open session: %w", errEmptyPayload)
	}
	if expected > int64(bank.Size) {
		return nil, fmt.Errorf("ota: open session: %d bytes do not fit bank %s (%d bytes): %w",
			expected, bank.Label, bank.Size, ErrWriteOverflow)
	}
	w, err := flash.Begin(bank, expected)
	if err != nil {
		return nil, fmt.Errorf("ota: open session on %s: %w", bank.Label, err)
	}
	return &Session{
		bank:     bank,
		expected: expected,
		w:        w,
		state:    SessionOpen,
		started:  time.Now(),
	}, nil
}

func (s *Session) Bank() Bank          { return s.bank }
func (s *Session) Expected() int64     { return s.expected }
func (s *Session) Written() int64      { return s.written }
func (s *Session) State() SessionState { return s.state }

// ReadErr returns what ended the body read loop: nil when the declared
// length arrived, io.EOF when the peer closed, or the transport error.
func (s *Session) ReadErr() error { return s.readErr }

// Stream pulls chunks from src into the session until the declared length
// is reached or src stops producing bytes. buf bounds the chunk size.
//
// A write failure aborts the session, resets the written count to zero and
// is returned. The end of src is not an error; callers compare Written with
// Expected afterwards via Verify.
func (s *Session) Stream(src io.Reader, buf []byte) error {
	if s.state != SessionOpen {
		return ErrSessionClosed
	}
	if len(buf) == 0 {
		buf = make([]byte, 512)
	}
	empty := 0
	for s.written < s.expected {
		chunk := buf
		if rem := s.expected - s.written; int64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		n, rerr := src.Read(chunk)
		if n > 0 {
			empty = 0
			wn, werr := s.w.Write(chunk[:n])
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				at := s.written + int64(wn)
				aerr := s.Abort()
				s.written = 0
				err := fmt.Errorf("ota: write at byte %d: %w", at, werr)
				if aerr != nil {
					err = errors.Join(err, fmt.Errorf("ota: abort: %w", aerr))
				}
				return err
			}
			s.written += int64(n)
			s.report()
		} else if rerr == nil {
			empty++
			if empty >= maxEmptyReads {
				rerr = io.ErrNoProgress
			}
		}
		if rerr != nil {
			s.readErr = rerr
			return nil
		}
	}
	return nil
}

// Verify aborts the session when the byte count differs from the declared
// length.
func (s *Session) Verify() error {
	if s.written == s.expected {
		return nil
	}
	err := fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, s.expected, s.written)
	if aerr := s.Abort(); aerr != nil {
		err = errors.Join(err, fmt.Errorf("ota: abort: %w", aerr))
	}
	return statusErr(StatusPayloadWrongSize, err)
}

// Abort discards the written data. It is a no-op on a closed session.
func (s *Session) Abort() error {
	if s.state != SessionOpen {
		return nil
	}
	s.state = SessionAborted
	return s.w.Abort()
}

// finalize commits the underlying write handle, aborting on failure.
func (s *Session) finalize() error {
	if s.state != SessionOpen {
		return ErrSessionClosed
	}
	if err := s.w.Commit(); err != nil {
		s.state = SessionAborted
		return errors.Join(err, s.w.Abort())
	}
	s.state = SessionCommitted
	return nil
}

// invalidate erases a committed session whose image must not be booted.
func (s *Session) invalidate() error {
	if s.state == SessionAborted {
		return nil
	}
	s.state = SessionAborted
	return s.w.Abort()
}

func (s *Session) report() {
	if s.progress == nil {
		return
	}
	s.progress(Progress{
		Bank:         s.bank,
		BytesWritten: s.written,
		Total:        s.expected,
		Elapsed:      time.Since(s.started),
	})
}
