// Package store keeps the simulated device's boot pointer and transfer
// journal in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"openenterprise/dualboot/ota"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs schema migrations.
// A new database boots from bank A.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// One writer; keeps the boot pointer updates serialized.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS boot_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    running TEXT NOT NULL,
    next TEXT NOT NULL,
    boots INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    at INTEGER NOT NULL,
    route TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status INTEGER NOT NULL,
    bank TEXT NOT NULL,
    declared INTEGER NOT NULL,
    written INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    err TEXT NOT NULL
);
`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO boot_state (id, running, next, updated_at) VALUES (1, 'A', 'A', ?)`,
		time.Now().Unix(),
	)
	return err
}

// State is the persisted boot pointer.
type State struct {
	Running   ota.BankID
	Next      ota.BankID
	Boots     int
	UpdatedAt time.Time
}

// State returns the current boot state.
func (d *DB) State() (State, error) {
	var running, next string
	var updated int64
	var st State
	err := d.db.QueryRow(`SELECT running, next, boots, updated_at FROM boot_state WHERE id = 1`).
		Scan(&running, &next, &st.Boots, &updated)
	if err != nil {
		return State{}, fmt.Errorf("get boot state: %w", err)
	}
	if st.Running, err = parseBank(running); err != nil {
		return State{}, err
	}
	if st.Next, err = parseBank(next); err != nil {
		return State{}, err
	}
	st.UpdatedAt = time.Unix(updated, 0)
	return st, nil
}

// Running implements ota.BootStore.
func (d *DB) Running() (ota.BankID, error) {
	st, err := d.State()
	if err != nil {
		return 0, err
	}
	return st.Running, nil
}

// SetNext implements ota.BootStore.
func (d *DB) SetNext(id ota.BankID) error {
	if !id.Valid() {
		return fmt.Errorf("set next: invalid bank %s", id)
	}
	_, err := d.db.Exec(`UPDATE boot_state SET next = ?, updated_at = ? WHERE id = 1`,
		id.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set next: %w", err)
	}
	return nil
}

// Promote simulates a device restart: the device starts from the bank the
// boot pointer names. It returns that bank.
func (d *DB) Promote() (ota.BankID, error) {
	_, err := d.db.Exec(
		`UPDATE boot_state SET running = next, boots = boots + 1, updated_at = ? WHERE id = 1`,
		time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("promote: %w", err)
	}
	return d.Running()
}

// Record implements ota.Journal.
func (d *DB) Record(ev ota.Event) error {
	_, err := d.db.Exec(
		`INSERT INTO events (at, route, method, path, status, bank, declared, written, duration_ms, err)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixMilli(), ev.Route.String(), ev.Method, ev.Path, ev.Status, ev.Bank,
		ev.Declared, ev.Written, ev.Duration.Milliseconds(), ev.Err,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Entry is a journal row.
type Entry struct {
	ID       int64
	Time     time.Time
	Route    string
	Method   string
	Path     string
	Status   int
	Bank     string
	Declared int64
	Written  int64
	Duration time.Duration
	Err      string
}

// Recent returns up to limit journal entries, newest first.
func (d *DB) Recent(limit int) ([]Entry, error) {
	rows, err := d.db.Query(
		`SELECT id, at, route, method, path, status, bank, declared, written, duration_ms, err
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at, ms int64
		if err := rows.Scan(&e.ID, &at, &e.Route, &e.Method, &e.Path, &e.Status, &e.Bank,
			&e.Declared, &e.Written, &ms, &e.Err); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = time.UnixMilli(at)
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

var errBadBank = errors.New("store: unknown bank name")

func parseBank(s string) (ota.BankID, error) {
	switch s {
	case "A":
		return ota.BankA, nil
	case "B":
		return ota.BankB, nil
	}
	return 0, fmt.Errorf("%w %q", errBadBank, s)
}
