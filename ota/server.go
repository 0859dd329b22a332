// Package ota implements a dual-bank firmware update server.
//
// A client uploads an image with POST /sketch. The image is streamed into
// the bank the device is not running from, its length is checked against
// Content-Length, and only then is the boot pointer moved and the device
// restarted. The running image is never written, so a failed or truncated
// transfer leaves the device bootable. GET /switch flips the boot pointer
// without writing, GET / serves a usage page.
//
// The server handles one connection at a time: the device loop calls Poll,
// which accepts at most one connection and serves it to completion.
package ota

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"
)

// Conn is a client connection.
type Conn interface {
	io.ReadWriteCloser
}

// Listener hands out pending connections. Accept returns ErrNoPending when
// nothing is waiting.
type Listener interface {
	Accept() (Conn, error)
}

// readDeadliner is implemented by connections supporting read deadlines.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Event is the journal record of one handled request.
type Event struct {
	Time     time.Time
	Route    Route
	Method   string
	Path     string
	Status   int // 0 when no response could be sent
	Bank     string
	Declared int64
	Written  int64
	Duration time.Duration
	Err      string
}

// Journal receives one Event per handled request.
type Journal interface {
	Record(ev Event) error
}

// Server is the update server.
type Server struct {
	cfg     Config
	flash   Flash
	boot    BootStore
	restart Restarter
	reg     *Registry
	swap    *Swapper
	logger  *slog.Logger

	conn *timeoutReader
	br   *bufio.Reader
	buf  []byte
}

// NewServer returns a server writing banks through flash and moving the boot
// pointer through boot. restart is invoked whenever a request moved the boot
// pointer, once the response has been attempted and the connection closed.
func NewServer(flash Flash, boot BootStore, restart Restarter, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	reg := NewRegistry(flash, boot)
	tr := &timeoutReader{}
	return &Server{
		cfg:     cfg,
		flash:   flash,
		boot:    boot,
		restart: restart,
		reg:     reg,
		swap:    NewSwapper(reg, boot, logger),
		logger:  logger,
		conn:    tr,
		br:      bufio.NewReaderSize(tr, 512),
		buf:     make([]byte, cfg.ChunkSize),
	}
}

// Registry returns the bank registry the server selects targets with.
func (s *Server) Registry() *Registry { return s.reg }

// Serve polls l until ctx is done or Accept fails.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Poll(l); err != nil {
			return err
		}
	}
}

// Poll accepts at most one pending connection and serves it to completion.
// It returns nil when nothing was pending; only Accept errors are returned.
func (s *Server) Poll(l Listener) error {
	conn, err := l.Accept()
	if errors.Is(err, ErrNoPending) {
		return nil
	}
	if err != nil {
		return err
	}
	s.ServeConn(conn)
	return nil
}

// exchange is the per-request state threaded through the handlers.
type exchange struct {
	conn      Conn
	req       *Request
	body      *countingReader
	continued bool
	restart   bool
	ev        Event
}

// ServeConn handles a single request on conn and closes it. The returned
// error describes why the request failed; a *StatusError carries the status
// that was sent. Once the boot pointer has moved the device is restarted
// after conn is closed, even when the response could not be delivered.
func (s *Server) ServeConn(conn Conn) error {
	start := time.Now()
	s.conn.reset(conn, s.cfg.ReadTimeout)
	s.br.Reset(s.conn)
	x := &exchange{conn: conn, body: &countingReader{r: s.br}}
	x.ev.Time = start

	err := s.handle(x)

	closeErr := conn.Close()
	s.conn.reset(nil, 0)
	x.ev.Duration = time.Since(start)
	if err != nil {
		x.ev.Err = err.Error()
	}
	s.record(x.ev)
	if closeErr != nil {
		s.logger.Debug("ota:close-failed", slog.String("err", closeErr.Error()))
	}
	if x.restart {
		s.logger.Warn("ota:restarting", slog.String("bank", x.ev.Bank))
		if s.restart != nil {
			s.restart.Restart()
		}
	}
	return err
}

func (s *Server) handle(x *exchange) error {
	req, err := ReadRequest(s.br)
	if err != nil {
		s.logger.Error("ota:bad-request", slog.String("err", err.Error()))
		if errors.Is(err, ErrHeaderTooLarge) {
			x.req = &Request{}
			return s.fail(x, statusErr(StatusBadRequest, err))
		}
		return err
	}
	x.req = req
	route := Match(req)
	x.ev.Route = route
	x.ev.Method = req.Method
	x.ev.Path = req.Path
	x.ev.Declared = req.ContentLength
	s.logger.Info("ota:request",
		slog.String("route", route.String()),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int64("content_length", req.ContentLength),
		slog.Bool("auth", req.HasAuth),
		slog.Bool("expect", req.HasExpect),
	)

	switch route {
	case RouteInfo:
		return s.respond(x, StatusOK, infoPage(s.cfg.Port))
	case RouteSwitch:
		return s.handleSwitch(x)
	case RouteUpload:
		return s.handleUpload(x)
	default:
		return s.fail(x, statusErr(StatusNotFound, nil))
	}
}

func (s *Server) handleSwitch(x *exchange) error {
	bank, err := s.swap.Switch()
	if err != nil {
		return s.fail(x, err)
	}
	x.ev.Bank = bank.Label
	x.restart = true
	return s.respond(x, StatusOK, StatusText(StatusOK))
}

func (s *Server) handleUpload(x *exchange) error {
	req := x.req
	if err := Admit(req, s.cfg.Credential, s.capacity()); err != nil {
		s.logger.Warn("ota:rejected",
			slog.Int("status", StatusOf(err)),
			slog.String("err", err.Error()),
		)
		return s.fail(x, err)
	}

	target, err := s.reg.Inactive()
	if err != nil {
		s.logger.Error("ota:no-target", slog.String("err", err.Error()))
		return s.fail(x, statusErr(StatusInternalError, err))
	}
	x.ev.Bank = target.Label
	s.logger.Info("bank:selected",
		slog.String("label", target.Label),
		slog.String("offset", formatHex(target.Offset)),
		slog.String("size", formatHex(target.Size)),
	)

	if s.cfg.AckContinue && req.ExpectsContinue() {
		if err := writeContinue(x.conn); err != nil {
			return err
		}
		x.continued = true
	}

	sess, err := OpenSession(s.flash, target, req.ContentLength)
	if err != nil {
		s.logger.Error("ota:open-failed", slog.String("err", err.Error()))
		return s.fail(x, statusErr(StatusInternalError, err))
	}
	sess.progress = s.cfg.Progress

	if err := sess.Stream(x.body, s.buf); err != nil {
		s.logger.Error("ota:write-failed", slog.String("err", err.Error()))
		return s.fail(x, statusErr(StatusInternalError, err))
	}
	x.ev.Written = sess.Written()
	if rerr := sess.ReadErr(); rerr != nil {
		s.logger.Debug("ota:body-ended", slog.String("reason", rerr.Error()))
	}

	if err := s.swap.Commit(sess); err != nil {
		if errors.Is(err, ErrSizeMismatch) {
			s.logger.Warn("ota:wrong-size",
				slog.Int64("expected", sess.Expected()),
				slog.Int64("got", sess.Written()),
			)
		}
		return s.fail(x, err)
	}
	x.restart = true
	return s.respond(x, StatusOK, StatusText(StatusOK))
}

// capacity returns the upload budget base. When the banks cannot be resolved
// the size check is skipped and bank selection reports the failure.
func (s *Server) capacity() int64 {
	if s.cfg.Capacity > 0 {
		return s.cfg.Capacity
	}
	c, err := s.reg.Capacity()
	if err != nil {
		return math.MaxInt64
	}
	return c
}

// fail answers with the status carried by err and returns err.
func (s *Server) fail(x *exchange, err error) error {
	code := StatusOf(err)
	if werr := s.respond(x, code, StatusText(code)); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// respond drains what is left of the declared body, then writes the response.
func (s *Server) respond(x *exchange, code int, body string) error {
	s.drain(x)
	x.ev.Status = code
	if err := writeResponse(x.conn, code, body); err != nil {
		s.logger.Error("ota:respond-failed",
			slog.Int("status", code),
			slog.String("err", err.Error()),
		)
		return err
	}
	s.logger.Info("ota:response", slog.Int("status", code))
	return nil
}

// drain discards up to DrainLimit unread body bytes so the connection closes
// cleanly. A client still waiting for 100 Continue has sent no body.
func (s *Server) drain(x *exchange) {
	if x.req == nil || (x.req.ExpectsContinue() && !x.continued) {
		return
	}
	remaining := x.req.ContentLength - x.body.n
	if remaining <= 0 {
		return
	}
	if remaining > s.cfg.DrainLimit {
		remaining = s.cfg.DrainLimit
	}
	s.conn.timeout = s.cfg.DrainTimeout
	n, err := io.CopyN(io.Discard, x.body, remaining)
	s.conn.timeout = s.cfg.ReadTimeout
	if n > 0 || err != nil {
		s.logger.Debug("ota:drained", slog.Int64("bytes", n))
	}
}

func (s *Server) record(ev Event) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Record(ev); err != nil {
		s.logger.Warn("ota:journal-failed", slog.String("err", err.Error()))
	}
}

// timeoutReader arms an idle read deadline before every read when the
// connection supports it.
type timeoutReader struct {
	conn    Conn
	timeout time.Duration
}

func (t *timeoutReader) reset(conn Conn, timeout time.Duration) {
	t.conn = conn
	t.timeout = timeout
	if d, ok := conn.(readDeadliner); ok && timeout == 0 {
		d.SetReadDeadline(time.Time{})
	}
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	if t.conn == nil {
		return 0, io.EOF
	}
	if d, ok := t.conn.(readDeadliner); ok && t.timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, err
		}
	}
	return t.conn.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// formatHex formats n as a fixed-width 0x-prefixed hex string.
func formatHex(n uint32) string {
	const hexDigits = "0123456789abcdef"
	var buf [10]byte
	buf[0] = '0'
	buf[1] = 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[:])
}
