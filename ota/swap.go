package ota

import (
	"errors"
	"fmt"
	"log/slog"
)

// Swapper is the only writer of the boot pointer.
type Swapper struct {
	reg    *Registry
	boot   BootStore
	logger *slog.Logger
}

// NewSwapper returns a swapper resolving banks through reg.
func NewSwapper(reg *Registry, boot BootStore, logger *slog.Logger) *Swapper {
	if logger == nil {
		logger = discardLogger()
	}
	return &Swapper{reg: reg, boot: boot, logger: logger}
}

// Commit promotes a fully written session. The byte count is checked first,
// then the write handle is finalized and validated, and only then is the
// boot pointer moved to the session's bank. Any failure leaves the boot
// pointer where it was and the session aborted, with the bank invalidated.
func (sw *Swapper) Commit(s *Session) error {
	if err := s.Verify(); err != nil {
		return err
	}
	if err := s.finalize(); err != nil {
		sw.logger.Error("ota:finalize-failed",
			slog.String("bank", s.bank.Label),
			slog.String("err", err.Error()),
		)
		return statusErr(StatusInternalError, fmt.Errorf("finalize %s: %w", s.bank.Label, err))
	}
	if err := sw.boot.SetNext(s.bank.ID); err != nil {
		sw.logger.Error("ota:set-boot-failed",
			slog.String("bank", s.bank.Label),
			slog.String("err", err.Error()),
		)
		err = fmt.Errorf("set boot bank %s: %w", s.bank.Label, err)
		if ierr := s.invalidate(); ierr != nil {
			err = errors.Join(err, fmt.Errorf("invalidate %s: %w", s.bank.Label, ierr))
		}
		return statusErr(StatusInternalError, err)
	}
	sw.logger.Info("ota:committed",
		slog.String("bank", s.bank.Label),
		slog.Int64("bytes", s.written),
	)
	return nil
}

// Switch points the boot pointer at the bank that is not running, without
// writing any bank content.
func (sw *Swapper) Switch() (Bank, error) {
	target, err := sw.reg.Inactive()
	if err != nil {
		return Bank{}, statusErr(StatusInternalError, err)
	}
	if err := sw.boot.SetNext(target.ID); err != nil {
		sw.logger.Error("ota:switch-failed",
			slog.String("bank", target.Label),
			slog.String("err", err.Error()),
		)
		return Bank{}, statusErr(StatusInternalError, fmt.Errorf("set boot bank %s: %w", target.Label, err))
	}
	sw.logger.Info("ota:switched", slog.String("bank", target.Label))
	return target, nil
}
