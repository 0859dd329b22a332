// Package rp2350 implements the dual-bank storage, boot pointer and restart
// for the RP2350 A/B partition layout with TBYB (Try Before You Buy).
//
// Flash offsets are raw offsets from the start of flash. The bootrom expects
// XIP addresses (offset + XIPBase) when rebooting into a partition.
package rp2350

import (
	"errors"
	"fmt"
	"sync"

	"openenterprise/dualboot/ota"
)

// Partition layout, verified with picotool partition info:
//
//	0(A)       00002000->001f2000
//	1(B w/ 0)  001f2000->003e2000
const (
	XIPBase          = 0x10000000
	PartitionAOffset = 0x2000   // 8KB partition table precedes A
	PartitionBOffset = 0x1F2000 // 8KB + 1984KB
	PartitionSize    = 0x1F0000 // 1984KB per partition

	SectorSize = 4096 // erase block
	PageSize   = 256  // program block
)

var (
	ErrConfirmFailed = errors.New("rp2350: partition confirm failed")
	ErrRebootFailed  = errors.New("rp2350: reboot failed")
	ErrVerifyFailed  = errors.New("rp2350: readback does not match written image")
	errUnaligned     = errors.New("rp2350: unaligned flash access")
)

// ROM is the subset of bootrom functions the device uses.
type ROM interface {
	// BootPartition returns the partition the device booted from.
	BootPartition() (int, error)
	// ExplicitBuy confirms the running partition.
	ExplicitBuy() error
	// Erase erases count bytes at a sector-aligned offset.
	Erase(offset, count uint32) error
	// Program writes whole pages at a page-aligned offset.
	Program(offset uint32, data []byte) error
	// Read copies flash content at offset into p.
	Read(offset uint32, p []byte) error
	// RebootToPartition reboots into partition for a trial boot. It only
	// returns on failure.
	RebootToPartition(partition int) error
	// Reboot performs a normal reboot. It does not return.
	Reboot()
}

// Device is the RP2350 implementation of ota.Flash, ota.BootStore and
// ota.Restarter.
type Device struct {
	rom ROM

	mu       sync.Mutex
	next     ota.BankID
	hasNext  bool
	shutdown func()
}

// NewDevice returns a device backed by rom.
func NewDevice(rom ROM) *Device {
	return &Device{rom: rom}
}

// SetShutdown registers a function called before any reboot.
// This should shut down WiFi cleanly (like Pico SDK's cyw43_arch_deinit).
func (d *Device) SetShutdown(fn func()) {
	d.mu.Lock()
	d.shutdown = fn
	d.mu.Unlock()
}

// Confirm confirms the running partition. Must be called within 16.7s of a
// trial boot or the bootrom reverts to the previous partition. Safe to call
// when no trial is pending.
func (d *Device) Confirm() error {
	if err := d.rom.ExplicitBuy(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmFailed, err)
	}
	return nil
}

// Bank implements ota.Flash.
func (d *Device) Bank(id ota.BankID) (ota.Bank, error) {
	switch id {
	case ota.BankA:
		return ota.Bank{ID: id, Label: "A", Offset: PartitionAOffset, Size: PartitionSize}, nil
	case ota.BankB:
		return ota.Bank{ID: id, Label: "B", Offset: PartitionBOffset, Size: PartitionSize}, nil
	}
	return ota.Bank{}, fmt.Errorf("rp2350: no partition for bank %s", id)
}

// Begin implements ota.Flash. The first sector is erased immediately so a
// partly written partition never holds a bootable image; later sectors are
// erased as the write reaches them.
func (d *Device) Begin(b ota.Bank, size int64) (ota.Writer, error) {
	if b.Offset%SectorSize != 0 {
		return nil, errUnaligned
	}
	if size <= 0 || size > int64(b.Size) {
		return nil, ota.ErrWriteOverflow
	}
	if err := d.rom.Erase(b.Offset, SectorSize); err != nil {
		return nil, fmt.Errorf("rp2350: erase %#x: %w", b.Offset, err)
	}
	return newWriter(d.rom, b, size), nil
}

// Running implements ota.BootStore.
func (d *Device) Running() (ota.BankID, error) {
	p, err := d.rom.BootPartition()
	if err != nil {
		return 0, err
	}
	switch p {
	case 0:
		return ota.BankA, nil
	case 1:
		return ota.BankB, nil
	}
	return 0, fmt.Errorf("rp2350: unexpected boot partition %d", p)
}

// SetNext implements ota.BootStore. The bootrom has no writable boot pointer
// outside a reboot: the choice is recorded here and applied by Restart, which
// reboots into the partition for a trial boot. The new image keeps the
// selection by calling Confirm.
func (d *Device) SetNext(id ota.BankID) error {
	if !id.Valid() {
		return fmt.Errorf("rp2350: invalid bank %s", id)
	}
	d.mu.Lock()
	d.next = id
	d.hasNext = true
	d.mu.Unlock()
	return nil
}

// Next returns the bank Restart will boot, and whether one was set.
func (d *Device) Next() (ota.BankID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next, d.hasNext
}

// Restart implements ota.Restarter. It reboots into the bank chosen with
// SetNext, or performs a normal reboot when none was chosen. A failed
// partition reboot falls back to a normal reboot.
func (d *Device) Restart() {
	d.mu.Lock()
	next, ok, shutdown := d.next, d.hasNext, d.shutdown
	d.mu.Unlock()

	if shutdown != nil {
		shutdown()
	}
	if ok {
		if running, err := d.Running(); err != nil || running != next {
			d.rom.RebootToPartition(int(next))
		}
	}
	d.rom.Reboot()
}
