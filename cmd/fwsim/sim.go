package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"openenterprise/dualboot/bankfile"
	"openenterprise/dualboot/config"
	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/store"
)

// simulator is a device made of an image file and a state database.
type simulator struct {
	cfg    *config.Sim
	img    *bankfile.Image
	db     *store.DB
	srv    *ota.Server
	logger *slog.Logger
}

func newSimulator(cfg *config.Sim, logger *slog.Logger) (*simulator, error) {
	img, err := bankfile.Open(cfg.Image, cfg.Layout())
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		img.Close()
		return nil, err
	}
	s := &simulator{cfg: cfg, img: img, db: db, logger: logger}
	opts := append(cfg.Options(),
		ota.WithLogger(logger),
		ota.WithJournal(db),
		ota.WithProgress(ota.LogProgress(logger, nil)),
		ota.WithPort(listenPort(cfg.Listen)),
	)
	s.srv = ota.NewServer(img, db, s, opts...)
	return s, nil
}

// Restart implements ota.Restarter by promoting the boot pointer.
func (s *simulator) Restart() {
	id, err := s.db.Promote()
	if err != nil {
		s.logger.Error("sim:restart-failed", slog.String("err", err.Error()))
		return
	}
	b, _ := s.img.Bank(id)
	s.logger.Warn("sim:restarted",
		slog.String("running", id.String()),
		slog.String("label", b.Label),
	)
}

// run serves l until ctx is done.
func (s *simulator) run(ctx context.Context, l ota.Listener) error {
	running, err := s.srv.Registry().Running()
	if err != nil {
		return fmt.Errorf("read boot state: %w", err)
	}
	s.logger.Info("sim:ready",
		slog.String("listen", s.cfg.Listen),
		slog.String("running", running.Label),
		slog.String("image", s.cfg.Image),
		slog.Bool("auth", s.cfg.Credential != ""),
	)
	err = s.srv.Serve(ctx, l)
	if errors.Is(err, context.Canceled) {
		s.logger.Info("sim:stopped")
		return nil
	}
	return err
}

func (s *simulator) Close() error {
	return errors.Join(s.img.Close(), s.db.Close())
}
