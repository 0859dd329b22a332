package ota

import (
	"log/slog"
	"time"
)

// Config holds the update server configuration.
type Config struct {
	// Credential is compared with the Authorization header of uploads.
	// Empty disables the check.
	Credential string

	// Capacity is the total flash capacity used for the upload size limit
	// (half of it). Zero means the combined size of both banks.
	Capacity int64

	// ReadTimeout is the idle timeout applied to every read from the
	// connection, headers and body alike. Zero waits for as long as the
	// connection stays open.
	ReadTimeout time.Duration

	// DrainTimeout is the idle timeout while discarding an unread body
	// before a response is sent.
	DrainTimeout time.Duration

	// DrainLimit caps how many unread body bytes are discarded before a
	// response is sent.
	DrainLimit int64

	// ChunkSize is the largest body chunk written to flash at once.
	ChunkSize int

	// AckContinue sends an interim 100 Continue to clients that asked for it.
	AckContinue bool

	// Port is shown on the info page.
	Port uint16

	Logger   *slog.Logger
	Progress ProgressFunc
	Journal  Journal
}

func defaultConfig() Config {
	return Config{
		ReadTimeout:  30 * time.Second,
		DrainTimeout: 500 * time.Millisecond,
		DrainLimit:   64 * 1024,
		ChunkSize:    512,
		AckContinue:  true,
		Port:         DefaultPort,
	}
}

// DefaultPort is the port the update server conventionally listens on.
const DefaultPort = 3232

// Option configures a Server.
type Option func(*Config)

// WithCredential requires uploads to carry credential in the Authorization header.
func WithCredential(credential string) Option {
	return func(c *Config) {
		c.Credential = credential
	}
}

// WithCapacity sets the total flash capacity used for the upload size limit.
func WithCapacity(capacity int64) Option {
	return func(c *Config) {
		if capacity > 0 {
			c.Capacity = capacity
		}
	}
}

// WithReadTimeout sets the per-read idle timeout. Zero disables it.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout >= 0 {
			c.ReadTimeout = timeout
		}
	}
}

// WithDrain sets how much of an unread body is discarded before responding,
// and the idle timeout while doing so.
func WithDrain(limit int64, timeout time.Duration) Option {
	return func(c *Config) {
		if limit >= 0 {
			c.DrainLimit = limit
		}
		if timeout > 0 {
			c.DrainTimeout = timeout
		}
	}
}

// WithChunkSize sets the largest chunk written to flash at once.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithContinue enables or disables the interim 100 Continue response.
func WithContinue(ack bool) Option {
	return func(c *Config) {
		c.AckContinue = ack
	}
}

// WithPort sets the port shown on the info page.
func WithPort(port uint16) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithProgress registers a callback invoked after every chunk written.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithJournal records one Event per handled request.
func WithJournal(j Journal) Option {
	return func(c *Config) {
		c.Journal = j
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
