// Package config holds device configuration embedded at build time and the
// YAML configuration of the host simulator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"openenterprise/dualboot/ota"
)

var ErrInvalid = errors.New("config: invalid")

// Bank describes one flash region of the simulator image.
type Bank struct {
	Label  string `yaml:"label"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

// Sim is the host simulator configuration.
type Sim struct {
	Listen      string        `yaml:"listen"`
	Credential  string        `yaml:"credential"`
	Image       string        `yaml:"image"`
	Database    string        `yaml:"database"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ChunkSize   int           `yaml:"chunk_size"`
	Capacity    int64         `yaml:"capacity"`
	Continue    *bool         `yaml:"continue"`
	LogLevel    string        `yaml:"log_level"`
	Banks       []Bank        `yaml:"banks"`
}

// Default returns the simulator defaults: the ESP32 two-slot OTA layout,
// an image and database in the working directory.
func Default() *Sim {
	return &Sim{
		Listen:      ":3232",
		Image:       "flash.img",
		Database:    "fwsim.db",
		ReadTimeout: 30 * time.Second,
		ChunkSize:   512,
		LogLevel:    "info",
		Banks: []Bank{
			{Label: "app0", Offset: 0x10000, Size: 0x140000},
			{Label: "app1", Offset: 0x150000, Size: 0x140000},
		},
	}
}

// LoadFile reads a YAML configuration. Fields missing from the file keep
// their defaults.
func LoadFile(path string) (*Sim, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling configuration file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (s *Sim) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the fields the simulator cannot run without.
func (s *Sim) Validate() error {
	if len(s.Banks) != 2 {
		return fmt.Errorf("%w: need exactly 2 banks, have %d", ErrInvalid, len(s.Banks))
	}
	for _, b := range s.Banks {
		if b.Label == "" || b.Size == 0 {
			return fmt.Errorf("%w: bank %q needs a label and a size", ErrInvalid, b.Label)
		}
	}
	if s.Listen == "" || s.Image == "" || s.Database == "" {
		return fmt.Errorf("%w: listen, image and database are required", ErrInvalid)
	}
	if s.ReadTimeout < 0 || s.ChunkSize < 0 || s.Capacity < 0 {
		return fmt.Errorf("%w: negative timeout, chunk size or capacity", ErrInvalid)
	}
	return nil
}

// Layout returns the banks in engine form, A first.
func (s *Sim) Layout() [2]ota.Bank {
	var out [2]ota.Bank
	for i, b := range s.Banks[:2] {
		out[i] = ota.Bank{ID: ota.BankID(i), Label: b.Label, Offset: b.Offset, Size: b.Size}
	}
	return out
}

// Options returns the engine options the configuration implies.
func (s *Sim) Options() []ota.Option {
	opts := []ota.Option{
		ota.WithCredential(s.Credential),
		ota.WithReadTimeout(s.ReadTimeout),
		ota.WithChunkSize(s.ChunkSize),
		ota.WithCapacity(s.Capacity),
	}
	if s.Continue != nil {
		opts = append(opts, ota.WithContinue(*s.Continue))
	}
	return opts
}
