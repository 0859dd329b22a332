package ota_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/ota/otatest"
)

const testPassword = "hunter2"

type rig struct {
	flash    *otatest.Flash
	boot     *otatest.Boot
	restarts *otatest.Restarts
	journal  *otatest.Journal
	srv      *ota.Server
}

func newRig(opts ...ota.Option) *rig {
	r := &rig{
		flash:    otatest.NewFlash(4096),
		boot:     otatest.NewBoot(ota.BankA),
		restarts: &otatest.Restarts{},
		journal:  &otatest.Journal{},
	}
	opts = append([]ota.Option{
		ota.WithCredential(testPassword),
		ota.WithJournal(r.journal),
	}, opts...)
	r.srv = ota.NewServer(r.flash, r.boot, r.restarts, opts...)
	return r
}

func uploadRequest(auth string, length int64) string {
	var b strings.Builder
	b.WriteString("POST /sketch HTTP/1.1\r\nHost: device\r\n")
	if auth != "" {
		b.WriteString("Authorization: " + auth + "\r\n")
	}
	b.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n\r\n")
	return b.String()
}

func statusLine(out string) string {
	line, _, _ := strings.Cut(out, "\r\n")
	return line
}

func TestUploadRoundTrip(t *testing.T) {
	r := newRig()
	p := payload(1000)
	conn := otatest.NewConn(uploadRequest(testPassword, 1000) + string(p))
	closedAtRestart := false
	r.srv = ota.NewServer(r.flash, r.boot, ota.RestartFunc(func() {
		closedAtRestart = conn.Closed()
		r.restarts.Restart()
	}), ota.WithCredential(testPassword), ota.WithJournal(r.journal))

	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatalf("ServeConn: %v", err)
	}
	out := conn.Output()
	if statusLine(out) != "HTTP/1.1 200 OK" {
		t.Errorf("status line = %q", statusLine(out))
	}
	if !strings.HasSuffix(out, "\r\n\r\nOK") {
		t.Errorf("response = %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Error("response does not announce Connection: close")
	}
	if !bytes.Equal(r.flash.Image(ota.BankB, len(p)), p) {
		t.Error("bank B does not hold the payload")
	}
	if !bytes.Equal(r.flash.Contents(ota.BankA), bytes.Repeat([]byte{0xA0}, 4096)) {
		t.Error("running bank was modified")
	}
	if r.boot.Next() != ota.BankB {
		t.Errorf("boot pointer = %s, want B", r.boot.Next())
	}
	if r.restarts.Count() != 1 {
		t.Errorf("restarts = %d, want 1", r.restarts.Count())
	}
	if !closedAtRestart {
		t.Error("restart ran before the connection was closed")
	}
	if conn.Deadlines == 0 {
		t.Error("no read deadline armed")
	}
}

func TestUploadFromBankB(t *testing.T) {
	r := newRig()
	r.boot = otatest.NewBoot(ota.BankB)
	r.srv = ota.NewServer(r.flash, r.boot, r.restarts, ota.WithCredential(testPassword))
	conn := otatest.NewConn(uploadRequest(testPassword, 10) + "0123456789")
	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatal(err)
	}
	if r.boot.Next() != ota.BankA {
		t.Errorf("boot pointer = %s, want A", r.boot.Next())
	}
	if string(r.flash.Image(ota.BankA, 10)) != "0123456789" {
		t.Error("bank A does not hold the payload")
	}
}

func TestUploadRejected(t *testing.T) {
	tests := []struct {
		name    string
		request string
		status  string
	}{
		{"no auth", uploadRequest("", 10) + "0123456789", "HTTP/1.1 401 Unauthorized"},
		{"wrong auth", uploadRequest("nope", 10) + "0123456789", "HTTP/1.1 401 Unauthorized"},
		{"too large", uploadRequest(testPassword, 4097), "HTTP/1.1 413 Payload Too Large"},
		{"zero length", uploadRequest(testPassword, 0), "HTTP/1.1 400 Bad Request"},
		{"no length", "POST /sketch HTTP/1.1\r\nAuthorization: " + testPassword + "\r\n\r\n", "HTTP/1.1 400 Bad Request"},
		{"negative length", uploadRequest(testPassword, -3), "HTTP/1.1 400 Bad Request"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig()
			conn := otatest.NewConn(tc.request)
			err := r.srv.ServeConn(conn)
			if err == nil {
				t.Fatal("ServeConn succeeded")
			}
			if got := statusLine(conn.Output()); got != tc.status {
				t.Errorf("status line = %q, want %q", got, tc.status)
			}
			if r.flash.Begins != 0 || r.flash.Writes != 0 {
				t.Errorf("flash touched: %d begins, %d bytes", r.flash.Begins, r.flash.Writes)
			}
			if r.boot.Sets != 0 || r.restarts.Count() != 0 {
				t.Errorf("boot state changed: %d sets, %d restarts", r.boot.Sets, r.restarts.Count())
			}
			if !conn.Closed() {
				t.Error("connection left open")
			}
		})
	}
}

func TestUploadWrongSize(t *testing.T) {
	for _, stall := range []bool{false, true} {
		r := newRig()
		conn := otatest.NewConn(uploadRequest(testPassword, 1000) + string(payload(998)))
		conn.Stall = stall
		err := r.srv.ServeConn(conn)
		if !errors.Is(err, ota.ErrSizeMismatch) {
			t.Fatalf("stall=%v: error = %v, want ErrSizeMismatch", stall, err)
		}
		if got := statusLine(conn.Output()); got != "HTTP/1.1 414 Payload Wrong Size" {
			t.Errorf("stall=%v: status line = %q", stall, got)
		}
		if r.boot.Next() != ota.BankA || r.boot.Sets != 0 {
			t.Errorf("stall=%v: boot pointer moved to %s", stall, r.boot.Next())
		}
		if r.flash.Aborts != 1 || r.flash.Commits != 0 {
			t.Errorf("stall=%v: %d aborts, %d commits", stall, r.flash.Aborts, r.flash.Commits)
		}
		if r.restarts.Count() != 0 {
			t.Errorf("stall=%v: restarted", stall)
		}
	}
}

func TestUploadWriteFailure(t *testing.T) {
	r := newRig()
	r.flash.FailWriteAt = 500
	conn := otatest.NewConn(uploadRequest(testPassword, 1000) + string(payload(1000)))
	err := r.srv.ServeConn(conn)
	if !errors.Is(err, otatest.ErrInjected) {
		t.Fatalf("error = %v, want injected failure", err)
	}
	if got := statusLine(conn.Output()); got != "HTTP/1.1 500 Internal Server Error" {
		t.Errorf("status line = %q", got)
	}
	if r.boot.Next() != ota.BankA || r.boot.Sets != 0 {
		t.Error("boot pointer moved")
	}
	if r.flash.Aborts != 1 {
		t.Errorf("Aborts = %d, want 1", r.flash.Aborts)
	}
	if r.restarts.Count() != 0 {
		t.Error("restarted after failed upload")
	}
}

func TestUploadStorageFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *rig)
		aborts int
	}{
		{"target bank missing", func(r *rig) { r.flash.Missing = map[ota.BankID]bool{ota.BankB: true} }, 0},
		{"begin fails", func(r *rig) { r.flash.FailBegin = true }, 0},
		{"commit fails", func(r *rig) { r.flash.FailCommit = true }, 1},
		{"boot pointer write fails", func(r *rig) { r.boot.FailSet = true }, 1},
		{"boot state unreadable", func(r *rig) { r.boot.FailRead = true }, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig()
			tc.setup(r)
			conn := otatest.NewConn(uploadRequest(testPassword, 100) + string(payload(100)))
			if err := r.srv.ServeConn(conn); ota.StatusOf(err) != ota.StatusInternalError {
				t.Errorf("status = %d, want 500 (err %v)", ota.StatusOf(err), err)
			}
			if got := statusLine(conn.Output()); got != "HTTP/1.1 500 Internal Server Error" {
				t.Errorf("status line = %q", got)
			}
			if r.boot.Next() != ota.BankA {
				t.Error("boot pointer moved")
			}
			if r.restarts.Count() != 0 {
				t.Error("restarted")
			}
			if r.flash.Aborts != tc.aborts {
				t.Errorf("Aborts = %d, want %d", r.flash.Aborts, tc.aborts)
			}
			if tc.aborts > 0 && !bytes.Equal(r.flash.Image(ota.BankB, 100), bytes.Repeat([]byte{0xFF}, 100)) {
				t.Error("bank B still holds the image")
			}
		})
	}
}

func TestRestartAfterFailedReply(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"switch", "GET /switch HTTP/1.1\r\n\r\n"},
		{"upload", uploadRequest(testPassword, 100) + string(payload(100))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig()
			conn := otatest.NewConn(tc.request)
			conn.FailWrite = errors.New("peer reset")
			if err := r.srv.ServeConn(conn); err == nil {
				t.Error("ServeConn succeeded with a failing connection")
			}
			if r.boot.Next() != ota.BankB {
				t.Errorf("boot pointer = %s, want B", r.boot.Next())
			}
			if r.restarts.Count() != 1 {
				t.Errorf("restarts = %d, want 1", r.restarts.Count())
			}
		})
	}
}

func TestNoRestartWhenRejectedReplyFails(t *testing.T) {
	r := newRig()
	conn := otatest.NewConn(uploadRequest("wrong", 100) + string(payload(100)))
	conn.FailWrite = errors.New("peer reset")
	r.srv.ServeConn(conn)
	if r.restarts.Count() != 0 || r.boot.Next() != ota.BankA {
		t.Errorf("restarts = %d, boot pointer = %s", r.restarts.Count(), r.boot.Next())
	}
}

func TestSwitch(t *testing.T) {
	r := newRig()
	before := [2][]byte{r.flash.Contents(ota.BankA), r.flash.Contents(ota.BankB)}
	conn := otatest.NewConn("GET /switch HTTP/1.1\r\n\r\n")
	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatal(err)
	}
	if got := statusLine(conn.Output()); got != "HTTP/1.1 200 OK" {
		t.Errorf("status line = %q", got)
	}
	if r.boot.Next() != ota.BankB {
		t.Errorf("boot pointer = %s, want B", r.boot.Next())
	}
	if r.restarts.Count() != 1 {
		t.Errorf("restarts = %d, want 1", r.restarts.Count())
	}
	if r.flash.Begins != 0 {
		t.Error("switch opened a write session")
	}
	for i, id := range []ota.BankID{ota.BankA, ota.BankB} {
		if !bytes.Equal(r.flash.Contents(id), before[i]) {
			t.Errorf("bank %s content changed", id)
		}
	}

	// After the restart the device runs from B and switches back to A.
	r.boot.Restart()
	conn = otatest.NewConn("GET /switch HTTP/1.1\r\n\r\n")
	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatal(err)
	}
	if r.boot.Next() != ota.BankA {
		t.Errorf("boot pointer = %s, want A", r.boot.Next())
	}
}

func TestSwitchFailure(t *testing.T) {
	r := newRig()
	r.boot.FailSet = true
	conn := otatest.NewConn("GET /switch HTTP/1.1\r\n\r\n")
	if err := r.srv.ServeConn(conn); ota.StatusOf(err) != ota.StatusInternalError {
		t.Errorf("error = %v, want 500", err)
	}
	if got := statusLine(conn.Output()); got != "HTTP/1.1 500 Internal Server Error" {
		t.Errorf("status line = %q", got)
	}
	if r.restarts.Count() != 0 {
		t.Error("restarted")
	}
}

func TestNotFound(t *testing.T) {
	requests := []string{
		"GET /nope HTTP/1.1\r\n\r\n",
		"POST /switch HTTP/1.1\r\n\r\n",
		"GET /sketch HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.0\r\n\r\n",
		"DELETE /sketch HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody",
	}
	for _, req := range requests {
		r := newRig()
		conn := otatest.NewConn(req)
		if err := r.srv.ServeConn(conn); ota.StatusOf(err) != ota.StatusNotFound {
			t.Errorf("%q: error = %v, want 404", req, err)
		}
		if got := statusLine(conn.Output()); got != "HTTP/1.1 404 Not Found" {
			t.Errorf("%q: status line = %q", req, got)
		}
		if r.flash.Begins != 0 || r.boot.Sets != 0 || r.restarts.Count() != 0 {
			t.Errorf("%q: state changed", req)
		}
	}
}

func TestInfoPage(t *testing.T) {
	for _, path := range []string{"/", "/index", "/index.html"} {
		r := newRig(ota.WithPort(8266))
		conn := otatest.NewConn("GET " + path + " HTTP/1.1\r\n\r\n")
		if err := r.srv.ServeConn(conn); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		out := conn.Output()
		if statusLine(out) != "HTTP/1.1 200 OK" {
			t.Errorf("%s: status line = %q", path, statusLine(out))
		}
		_, body, _ := strings.Cut(out, "\r\n\r\n")
		if !strings.HasPrefix(body, "Welcome to the remote reprogramming interface!") {
			t.Errorf("%s: body = %q", path, body)
		}
		if !strings.Contains(body, ":8266/sketch") || !strings.Contains(body, ":8266/switch") {
			t.Errorf("%s: body does not name the port", path)
		}
		if !strings.Contains(out, "Content-Length: "+strconv.Itoa(len(body))+"\r\n") {
			t.Errorf("%s: Content-Length does not match body", path)
		}
		if r.restarts.Count() != 0 || r.boot.Sets != 0 {
			t.Errorf("%s: state changed", path)
		}
	}
}

func TestConnLostBeforeHeaders(t *testing.T) {
	r := newRig()
	conn := otatest.NewConn("POST /sketch HTTP/1.1\r\nContent-Length: 10\r\n")
	err := r.srv.ServeConn(conn)
	if !errors.Is(err, ota.ErrConnLost) {
		t.Errorf("error = %v, want ErrConnLost", err)
	}
	if conn.Output() != "" {
		t.Errorf("wrote %q to a lost connection", conn.Output())
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
	if len(r.journal.Events) != 1 || r.journal.Events[0].Status != 0 {
		t.Errorf("journal = %+v", r.journal.Events)
	}
}

func TestHeaderTooLarge(t *testing.T) {
	r := newRig()
	conn := otatest.NewConn("GET /" + strings.Repeat("x", 2000) + " HTTP/1.1\r\n\r\n")
	err := r.srv.ServeConn(conn)
	if !errors.Is(err, ota.ErrHeaderTooLarge) {
		t.Errorf("error = %v, want ErrHeaderTooLarge", err)
	}
	if got := statusLine(conn.Output()); got != "HTTP/1.1 400 Bad Request" {
		t.Errorf("status line = %q", got)
	}
}

func TestContinue(t *testing.T) {
	p := payload(100)
	req := "POST /sketch HTTP/1.1\r\nAuthorization: " + testPassword +
		"\r\nContent-Length: 100\r\nExpect: 100-continue\r\n\r\n" + string(p)

	r := newRig()
	conn := otatest.NewConn(req)
	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(conn.Output(), "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\n") {
		t.Errorf("output = %q", conn.Output())
	}

	r = newRig(ota.WithContinue(false))
	conn = otatest.NewConn(req)
	if err := r.srv.ServeConn(conn); err != nil {
		t.Fatal(err)
	}
	if statusLine(conn.Output()) != "HTTP/1.1 200 OK" {
		t.Errorf("output = %q", conn.Output())
	}
}

func TestContinueNotSentOnRejection(t *testing.T) {
	r := newRig()
	conn := otatest.NewConn("POST /sketch HTTP/1.1\r\nAuthorization: nope\r\n" +
		"Content-Length: 100\r\nExpect: 100-continue\r\n\r\n")
	conn.Stall = true
	r.srv.ServeConn(conn)
	if got := statusLine(conn.Output()); got != "HTTP/1.1 401 Unauthorized" {
		t.Errorf("status line = %q", got)
	}
}

func TestDrain(t *testing.T) {
	body := strings.Repeat("z", 4000)
	tests := []struct {
		name    string
		request string
		opts    []ota.Option
		drained bool
	}{
		{
			name:    "rejected body is drained",
			request: uploadRequest("nope", 4000) + body,
			drained: true,
		},
		{
			name:    "drain limit",
			request: uploadRequest("nope", 4000) + body,
			opts:    []ota.Option{ota.WithDrain(100, 0)},
		},
		{
			name: "client waiting for continue",
			request: "POST /sketch HTTP/1.1\r\nAuthorization: nope\r\n" +
				"Content-Length: 4000\r\nExpect: 100-continue\r\n\r\n" + body,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(tc.opts...)
			src := strings.NewReader(tc.request)
			conn := otatest.NewConnReader(src)
			r.srv.ServeConn(conn)
			if got := statusLine(conn.Output()); got != "HTTP/1.1 401 Unauthorized" {
				t.Errorf("status line = %q", got)
			}
			if drained := src.Len() == 0; drained != tc.drained {
				t.Errorf("drained = %v, want %v (%d bytes left)", drained, tc.drained, src.Len())
			}
		})
	}
}

func TestJournal(t *testing.T) {
	r := newRig()
	r.srv.ServeConn(otatest.NewConn(uploadRequest(testPassword, 10) + "0123456789"))
	r.srv.ServeConn(otatest.NewConn(uploadRequest("nope", 10) + "0123456789"))
	r.srv.ServeConn(otatest.NewConn("GET /missing HTTP/1.1\r\n\r\n"))

	if len(r.journal.Events) != 3 {
		t.Fatalf("%d events, want 3", len(r.journal.Events))
	}
	tests := []struct {
		route   ota.Route
		status  int
		bank    string
		written int64
		failed  bool
	}{
		{ota.RouteUpload, 200, "app1", 10, false},
		{ota.RouteUpload, 401, "", 0, true},
		{ota.RouteNotFound, 404, "", 0, true},
	}
	for i, tc := range tests {
		ev := r.journal.Events[i]
		if ev.Route != tc.route || ev.Status != tc.status || ev.Bank != tc.bank || ev.Written != tc.written {
			t.Errorf("event %d = %+v", i, ev)
		}
		if (ev.Err != "") != tc.failed {
			t.Errorf("event %d: Err = %q", i, ev.Err)
		}
		if ev.Time.IsZero() {
			t.Errorf("event %d has no time", i)
		}
	}
}

func TestPoll(t *testing.T) {
	r := newRig()
	l := &otatest.Listener{}
	if err := r.srv.Poll(l); err != nil {
		t.Fatalf("Poll with nothing pending: %v", err)
	}

	a := otatest.NewConn("GET /nope HTTP/1.1\r\n\r\n")
	b := otatest.NewConn("GET / HTTP/1.1\r\n\r\n")
	l.Conns = []*otatest.Conn{a, b}
	// A failed request is not a Poll error.
	if err := r.srv.Poll(l); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !a.Closed() || b.Closed() {
		t.Error("Poll served more or less than one connection")
	}
	if err := r.srv.Poll(l); err != nil {
		t.Fatal(err)
	}
	if !b.Closed() {
		t.Error("second connection not served")
	}
}

type brokenListener struct{}

var errListener = errors.New("listener down")

func (brokenListener) Accept() (ota.Conn, error) { return nil, errListener }

func TestServe(t *testing.T) {
	r := newRig()
	if err := r.srv.Serve(context.Background(), brokenListener{}); !errors.Is(err, errListener) {
		t.Errorf("Serve = %v, want listener error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.srv.Serve(ctx, &otatest.Listener{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want context.Canceled", err)
	}
}
