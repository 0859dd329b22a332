package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"openenterprise/dualboot/config"
	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwsim.yaml")
	if _, err := execute(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen != ":3232" || len(cfg.Banks) != 2 {
		t.Errorf("written config = %+v", cfg)
	}

	if _, err := execute(t, "init", "--config", path); err == nil {
		t.Error("init overwrote an existing file")
	}
	if _, err := execute(t, "init", "--config", path, "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestStateAndLogCommands(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "fwsim.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	db.SetNext(ota.BankB)
	db.Promote()
	db.Record(ota.Event{
		Time: time.Now(), Route: ota.RouteUpload, Method: "POST", Path: "/sketch",
		Status: 200, Bank: "app1", Declared: 4096, Written: 4096, Duration: 120 * time.Millisecond,
	})
	db.Record(ota.Event{Time: time.Now(), Route: ota.RouteNotFound, Err: "ota: connection lost before end of headers"})
	db.Close()

	out, err := execute(t, "state", "--config", path)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for _, want := range []string{"Running: B (app1)", "Next:    B (app1)", "Boots:   1"} {
		if !strings.Contains(out, want) {
			t.Errorf("state output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "log", "--config", path, "-n", "5")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("log output has %d lines:\n%s", len(lines), out)
	}
	// Newest first.
	if !strings.Contains(lines[1], "not-found") || !strings.Contains(lines[1], "connection lost") {
		t.Errorf("first entry = %q", lines[1])
	}
	if !strings.Contains(lines[2], "upload") || !strings.Contains(lines[2], "4096/4096") {
		t.Errorf("second entry = %q", lines[2])
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	root := newRootCmd()
	cfg, err := loadConfig(root, missing)
	if err != nil {
		t.Fatalf("default file missing: %v", err)
	}
	if cfg.Listen != config.Default().Listen {
		t.Errorf("defaults not used: %+v", cfg)
	}

	root = newRootCmd()
	if err := root.PersistentFlags().Set("config", missing); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(root, missing); err == nil {
		t.Error("explicitly named missing file accepted")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("banks: []\n"), 0o644)
	if _, err := loadConfig(&cobra.Command{}, bad); err == nil {
		t.Error("invalid file accepted")
	}
}
