package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"openenterprise/dualboot/config"
	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/ota/otanet"
)

func testConfig(t *testing.T) *config.Sim {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Credential = "hunter2"
	cfg.Image = filepath.Join(dir, "flash.img")
	cfg.Database = filepath.Join(dir, "fwsim.db")
	cfg.LogLevel = "debug"
	cfg.Banks = []config.Bank{
		{Label: "app0", Offset: 0x1000, Size: 0x8000},
		{Label: "app1", Offset: 0x9000, Size: 0x8000},
	}
	return cfg
}

// startSim serves a simulator on a loopback port. The returned function
// stops it and returns the simulator for inspection.
func startSim(t *testing.T, cfg *config.Sim) (addr string, stop func() *simulator) {
	t.Helper()
	var logs bytes.Buffer
	logger, err := newLogger(&logs, cfg.LogLevel)
	if err != nil {
		t.Fatal(err)
	}
	sim, err := newSimulator(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	l, err := otanet.Listen(cfg.Listen, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.run(ctx, l) }()

	var stopped bool
	stop = func() *simulator {
		if !stopped {
			stopped = true
			cancel()
			if err := <-done; err != nil {
				t.Errorf("run: %v", err)
			}
			l.Close()
		}
		return sim
	}
	t.Cleanup(func() {
		stop()
		sim.Close()
	})
	return l.Addr().String(), stop
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.WriteString(c, request); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	return strings.TrimSpace(line)
}

func upload(img []byte, auth string) string {
	return "POST /sketch HTTP/1.1\r\n" +
		"Authorization: " + auth + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(img)) + "\r\n\r\n" + string(img)
}

func TestSimulatorUpload(t *testing.T) {
	cfg := testConfig(t)
	addr, stop := startSim(t, cfg)

	img := bytes.Repeat([]byte("firmware"), 1000)
	if got := roundTrip(t, addr, upload(img, "hunter2")); got != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q", got)
	}
	sim := stop()

	st, err := sim.db.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.Running != ota.BankB || st.Next != ota.BankB || st.Boots != 1 {
		t.Errorf("state = %+v, want running B after one restart", st)
	}
	got, err := sim.img.ReadBank(ota.BankB, len(img))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Error("app1 does not hold the image")
	}

	entries, err := sim.db.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != 200 || entries[0].Bank != "app1" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestSimulatorUploadTargetsInactiveAfterRestart(t *testing.T) {
	cfg := testConfig(t)

	addr, stop := startSim(t, cfg)
	first := bytes.Repeat([]byte{1}, 3000)
	if got := roundTrip(t, addr, upload(first, "hunter2")); got != "HTTP/1.1 200 OK" {
		t.Fatalf("first upload: %q", got)
	}
	sim := stop()
	sim.Close()

	// A second process finds the device running app1 and writes app0.
	addr, stop = startSim(t, cfg)
	second := bytes.Repeat([]byte{2}, 2000)
	if got := roundTrip(t, addr, upload(second, "hunter2")); got != "HTTP/1.1 200 OK" {
		t.Fatalf("second upload: %q", got)
	}
	sim = stop()

	a, _ := sim.img.ReadBank(ota.BankA, len(second))
	b, _ := sim.img.ReadBank(ota.BankB, len(first))
	if !bytes.Equal(a, second) || !bytes.Equal(b, first) {
		t.Error("banks do not hold the two images")
	}
	if st, _ := sim.db.State(); st.Running != ota.BankA || st.Boots != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestSimulatorRejects(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		expected string
	}{
		{"wrong password", upload([]byte("x"), "nope"), "HTTP/1.1 401 Unauthorized"},
		{"too large", "POST /sketch HTTP/1.1\r\nAuthorization: hunter2\r\nContent-Length: 1000000\r\n\r\n", "HTTP/1.1 413 Payload Too Large"},
		{"not found", "GET /update HTTP/1.1\r\n\r\n", "HTTP/1.1 404 Not Found"},
		{"old protocol", "GET / HTTP/1.0\r\n\r\n", "HTTP/1.1 404 Not Found"},
	}
	cfg := testConfig(t)
	addr, stop := startSim(t, cfg)
	for _, tc := range tests {
		if got := roundTrip(t, addr, tc.request); got != tc.expected {
			t.Errorf("%s: status = %q, want %q", tc.name, got, tc.expected)
		}
	}
	sim := stop()
	if st, _ := sim.db.State(); st.Running != ota.BankA || st.Next != ota.BankA || st.Boots != 0 {
		t.Errorf("state changed after rejected requests: %+v", st)
	}
	entries, _ := sim.db.Recent(10)
	if len(entries) != len(tests) {
		t.Errorf("journal has %d entries, want %d", len(entries), len(tests))
	}
}

func TestSimulatorSwitch(t *testing.T) {
	cfg := testConfig(t)
	addr, stop := startSim(t, cfg)
	if got := roundTrip(t, addr, "GET /switch HTTP/1.1\r\n\r\n"); got != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q", got)
	}
	sim := stop()
	if st, _ := sim.db.State(); st.Running != ota.BankB {
		t.Errorf("running = %s, want B", st.Running)
	}
}

func TestListenPort(t *testing.T) {
	tests := []struct {
		addr     string
		expected uint16
	}{
		{":3232", 3232},
		{"0.0.0.0:8266", 8266},
		{"[::1]:80", 80},
		{"127.0.0.1:0", ota.DefaultPort},
		{"nonsense", ota.DefaultPort},
		{":http", ota.DefaultPort},
	}
	for _, tc := range tests {
		if got := listenPort(tc.addr); got != tc.expected {
			t.Errorf("listenPort(%q) = %d, want %d", tc.addr, got, tc.expected)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		if _, err := newLogger(io.Discard, level); err != nil {
			t.Errorf("newLogger(%q): %v", level, err)
		}
	}
	if _, err := newLogger(io.Discard, "loud"); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
}
