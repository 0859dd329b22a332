package ota

import "log/slog"

// LogProgress returns a ProgressFunc that calls feed for every chunk and
// logs "ota:progress" each time another tenth of the image is written.
// A chunk that does not advance past the previous one starts a new
// transfer. feed may be nil.
func LogProgress(logger *slog.Logger, feed func()) ProgressFunc {
	var lastWritten, lastDecile int64 = 0, -1
	return func(p Progress) {
		if feed != nil {
			feed()
		}
		if p.Total <= 0 {
			return
		}
		if p.BytesWritten <= lastWritten {
			lastDecile = -1
		}
		lastWritten = p.BytesWritten
		decile := p.BytesWritten * 10 / p.Total
		if decile == lastDecile {
			return
		}
		lastDecile = decile
		logger.Info("ota:progress",
			slog.String("bank", p.Bank.Label),
			slog.Int64("written", p.BytesWritten),
			slog.Int64("total", p.Total),
			slog.Duration("elapsed", p.Elapsed),
		)
	}
}
