// Package bankfile emulates dual-bank flash on top of a single image file.
// Erased bytes read as 0xFF, like NOR flash.
package bankfile

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"openenterprise/dualboot/ota"
)

var (
	ErrLayout       = errors.New("bankfile: invalid bank layout")
	ErrVerifyFailed = errors.New("bankfile: readback does not match written image")
)

const eraseBlock = 4096

// Image is a flash image file holding two banks.
type Image struct {
	mu    sync.Mutex
	f     *os.File
	banks [2]ota.Bank
}

// Open opens or creates the image at path. The file is grown to cover both
// banks; new space reads as erased.
func Open(path string, banks [2]ota.Bank) (*Image, error) {
	if err := checkLayout(banks); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	img := &Image{f: f, banks: banks}
	if err := img.grow(); err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func checkLayout(banks [2]ota.Bank) error {
	for i, b := range banks {
		if b.ID != ota.BankID(i) {
			return fmt.Errorf("%w: bank %d has id %s", ErrLayout, i, b.ID)
		}
		if b.Size == 0 {
			return fmt.Errorf("%w: bank %s is empty", ErrLayout, b.Label)
		}
		if uint64(b.Offset)+uint64(b.Size) > 1<<32 {
			return fmt.Errorf("%w: bank %s exceeds 4GiB", ErrLayout, b.Label)
		}
	}
	a, b := banks[0], banks[1]
	if a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
		return fmt.Errorf("%w: banks %s and %s overlap", ErrLayout, a.Label, b.Label)
	}
	return nil
}

func (img *Image) grow() error {
	fi, err := img.f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	end := int64(0)
	for _, b := range img.banks {
		end = max(end, int64(b.Offset)+int64(b.Size))
	}
	if fi.Size() >= end {
		return nil
	}
	if err := img.fill(fi.Size(), end-fi.Size()); err != nil {
		return fmt.Errorf("grow image: %w", err)
	}
	return nil
}

// fill writes n erased bytes at off.
func (img *Image) fill(off, n int64) error {
	blank := bytes.Repeat([]byte{0xFF}, eraseBlock)
	for n > 0 {
		k := min(n, int64(len(blank)))
		if _, err := img.f.WriteAt(blank[:k], off); err != nil {
			return err
		}
		off += k
		n -= k
	}
	return nil
}

// Close closes the image file.
func (img *Image) Close() error {
	return img.f.Close()
}

// Bank implements ota.Flash.
func (img *Image) Bank(id ota.BankID) (ota.Bank, error) {
	if !id.Valid() {
		return ota.Bank{}, fmt.Errorf("bankfile: no bank %s", id)
	}
	return img.banks[id], nil
}

// Begin implements ota.Flash. The whole bank is erased.
func (img *Image) Begin(b ota.Bank, size int64) (ota.Writer, error) {
	if size <= 0 || size > int64(b.Size) {
		return nil, ota.ErrWriteOverflow
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.fill(int64(b.Offset), int64(b.Size)); err != nil {
		return nil, fmt.Errorf("erase bank %s: %w", b.Label, err)
	}
	return &writer{img: img, bank: b, size: size, sum: sha256.New()}, nil
}

// ReadBank returns the first n bytes of a bank.
func (img *Image) ReadBank(id ota.BankID, n int) ([]byte, error) {
	b, err := img.Bank(id)
	if err != nil {
		return nil, err
	}
	n = min(n, int(b.Size))
	buf := make([]byte, n)
	img.mu.Lock()
	defer img.mu.Unlock()
	if _, err := img.f.ReadAt(buf, int64(b.Offset)); err != nil {
		return nil, fmt.Errorf("read bank %s: %w", b.Label, err)
	}
	return buf, nil
}

type writer struct {
	img    *Image
	bank   ota.Bank
	size   int64
	pos    int64
	sum    hash.Hash
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ota.ErrSessionClosed
	}
	if w.pos+int64(len(p)) > w.size {
		return 0, ota.ErrWriteOverflow
	}
	w.img.mu.Lock()
	n, err := w.img.f.WriteAt(p, int64(w.bank.Offset)+w.pos)
	w.img.mu.Unlock()
	w.sum.Write(p[:n])
	w.pos += int64(n)
	return n, err
}

// Commit syncs the image and compares a readback of the written range with
// the digest of what was written.
func (w *writer) Commit() error {
	if w.closed {
		return ota.ErrSessionClosed
	}
	w.img.mu.Lock()
	defer w.img.mu.Unlock()
	if err := w.img.f.Sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	rb := sha256.New()
	r := io.NewSectionReader(w.img.f, int64(w.bank.Offset), w.pos)
	if _, err := io.Copy(rb, r); err != nil {
		return fmt.Errorf("read back bank %s: %w", w.bank.Label, err)
	}
	if !bytes.Equal(rb.Sum(nil), w.sum.Sum(nil)) {
		return fmt.Errorf("%w: bank %s", ErrVerifyFailed, w.bank.Label)
	}
	w.closed = true
	return nil
}

// Abort erases the bank.
func (w *writer) Abort() error {
	w.closed = true
	w.img.mu.Lock()
	defer w.img.mu.Unlock()
	return w.img.fill(int64(w.bank.Offset), int64(w.bank.Size))
}
