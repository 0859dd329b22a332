package ota

import (
	"fmt"
	"io"
)

// BankID names one of the two firmware banks.
type BankID uint8

const (
	BankA BankID = iota
	BankB
)

// Other returns the bank that is not id.
func (id BankID) Other() BankID {
	if id == BankA {
		return BankB
	}
	return BankA
}

// Valid reports whether id names one of the two banks.
func (id BankID) Valid() bool {
	return id == BankA || id == BankB
}

func (id BankID) String() string {
	switch id {
	case BankA:
		return "A"
	case BankB:
		return "B"
	default:
		return fmt.Sprintf("BankID(%d)", uint8(id))
	}
}

// Bank is one of the two provisioned firmware regions.
type Bank struct {
	ID     BankID
	Label  string
	Offset uint32 // base address of the region
	Size   uint32 // region size in bytes
}

// Flash is the storage layer holding both banks.
type Flash interface {
	// Bank resolves a provisioned bank. It fails when the layout
	// does not contain the bank.
	Bank(id BankID) (Bank, error)

	// Begin invalidates the bank's current image and opens a write
	// session accepting at most size bytes. Storage that erases lazily
	// must erase every region before programming it.
	Begin(b Bank, size int64) (Writer, error)
}

// Writer is an open write session on a bank.
//
// Write appends to the session and fails once the declared size would
// be exceeded. Abort discards everything written. Commit flushes the
// session and runs whatever integrity check the storage layer offers.
// Abort is also legal after a successful Commit and invalidates the bank
// again. Once Commit or Abort has run, Write must not be called.
type Writer interface {
	io.Writer
	Abort() error
	Commit() error
}

// BootStore owns the persistent boot pointer.
type BootStore interface {
	// Running returns the bank the device is executing from.
	Running() (BankID, error)
	// SetNext points the device at id for the next start.
	SetNext(id BankID) error
}

// Restarter restarts the device. On hardware Restart does not return.
type Restarter interface {
	Restart()
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func()

func (f RestartFunc) Restart() { f() }

// Registry resolves the two banks and which one is running.
type Registry struct {
	flash Flash
	boot  BootStore
}

// NewRegistry returns a registry backed by flash and boot.
func NewRegistry(flash Flash, boot BootStore) *Registry {
	return &Registry{flash: flash, boot: boot}
}

// Banks returns both provisioned banks, A first.
func (r *Registry) Banks() ([2]Bank, error) {
	var banks [2]Bank
	for i, id := range []BankID{BankA, BankB} {
		b, err := r.flash.Bank(id)
		if err != nil {
			return banks, fmt.Errorf("%w: bank %s: %w", ErrBankNotFound, id, err)
		}
		if b.ID != id {
			return banks, fmt.Errorf("%w: bank %s resolved as %s", ErrBankNotFound, id, b.ID)
		}
		banks[i] = b
	}
	return banks, nil
}

// Running returns the bank the device currently executes from.
func (r *Registry) Running() (Bank, error) {
	banks, err := r.Banks()
	if err != nil {
		return Bank{}, err
	}
	id, err := r.boot.Running()
	if err != nil {
		return Bank{}, fmt.Errorf("%w: running bank: %w", ErrBankNotFound, err)
	}
	if !id.Valid() {
		return Bank{}, fmt.Errorf("%w: running bank %s", ErrBankNotFound, id)
	}
	return banks[id], nil
}

// Inactive returns the bank the device is not running from. It is the
// only bank an update or a switch may target.
func (r *Registry) Inactive() (Bank, error) {
	banks, err := r.Banks()
	if err != nil {
		return Bank{}, err
	}
	id, err := r.boot.Running()
	if err != nil {
		return Bank{}, fmt.Errorf("%w: running bank: %w", ErrBankNotFound, err)
	}
	if !id.Valid() {
		return Bank{}, fmt.Errorf("%w: running bank %s", ErrBankNotFound, id)
	}
	return banks[id.Other()], nil
}

// Capacity returns the combined size of both banks.
func (r *Registry) Capacity() (int64, error) {
	banks, err := r.Banks()
	if err != nil {
		return 0, err
	}
	return int64(banks[0].Size) + int64(banks[1].Size), nil
}
