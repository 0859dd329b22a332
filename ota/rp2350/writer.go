package rp2350

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"openenterprise/dualboot/ota"
)

// writer programs a partition page by page, erasing each sector right
// before the first page in it is programmed.
type writer struct {
	rom    ROM
	bank   ota.Bank
	size   int64
	pos    int64  // bytes accepted
	prog   uint32 // bytes programmed, page aligned
	erased uint32 // first address not yet erased
	page   [PageSize]byte
	fill   int
	sum    hash.Hash
	closed bool
}

func newWriter(rom ROM, b ota.Bank, size int64) *writer {
	return &writer{
		rom:    rom,
		bank:   b,
		size:   size,
		erased: b.Offset + SectorSize,
		sum:    sha256.New(),
	}
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ota.ErrSessionClosed
	}
	if w.pos+int64(len(p)) > w.size {
		return 0, ota.ErrWriteOverflow
	}
	written := 0
	for len(p) > 0 {
		n := copy(w.page[w.fill:], p)
		w.fill += n
		if w.fill == PageSize {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
		w.sum.Write(p[:n])
		w.pos += int64(n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// flush programs the buffered page, padding a partial page with the erased
// value.
func (w *writer) flush() error {
	if w.fill == 0 {
		return nil
	}
	for i := w.fill; i < PageSize; i++ {
		w.page[i] = 0xFF
	}
	addr := w.bank.Offset + w.prog
	if addr >= w.erased {
		if err := w.rom.Erase(w.erased, SectorSize); err != nil {
			return fmt.Errorf("rp2350: erase %#x: %w", w.erased, err)
		}
		w.erased += SectorSize
	}
	if err := w.rom.Program(addr, w.page[:]); err != nil {
		return fmt.Errorf("rp2350: program %#x: %w", addr, err)
	}
	w.prog += PageSize
	w.fill = 0
	return nil
}

// Commit programs the last partial page and compares a readback of the
// whole image against the digest of what was written.
func (w *writer) Commit() error {
	if w.closed {
		return ota.ErrSessionClosed
	}
	if err := w.flush(); err != nil {
		return err
	}
	want := w.sum.Sum(nil)

	rb := sha256.New()
	buf := make([]byte, PageSize)
	for off := int64(0); off < w.pos; off += PageSize {
		n := min(int64(PageSize), w.pos-off)
		if err := w.rom.Read(w.bank.Offset+uint32(off), buf[:n]); err != nil {
			return fmt.Errorf("rp2350: read back %#x: %w", w.bank.Offset+uint32(off), err)
		}
		rb.Write(buf[:n])
	}
	if got := rb.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: sha256 %s, read back %s", ErrVerifyFailed, hex.EncodeToString(want), hex.EncodeToString(got))
	}
	w.closed = true
	return nil
}

// Abort erases the first sector so the partition holds no bootable image.
func (w *writer) Abort() error {
	w.closed = true
	w.fill = 0
	return w.rom.Erase(w.bank.Offset, SectorSize)
}
