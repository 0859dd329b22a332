package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"openenterprise/dualboot/ota"
)

const passwordEnv = "FWCTL_PASSWORD"

type options struct {
	host     string
	port     int
	password string
	timeout  time.Duration
	expect   bool
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "fwctl",
		Short:         "Update firmware on a dual-bank device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.host, "host", envOr("FWCTL_HOST", "192.168.1.50"), "device address")
	pf.IntVar(&opts.port, "port", ota.DefaultPort, "update server port")
	pf.StringVarP(&opts.password, "password", "p", "", "update password (or "+passwordEnv+")")
	pf.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall request timeout")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newInfoCmd(opts),
		newSwitchCmd(opts),
		newPushCmd(opts),
		newInspectCmd(),
	)
	return root
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	}))
}

func (o *options) client(cmd *cobra.Command) *client {
	return newClient(o.host, o.port, o.timeout, newLogger(cmd.ErrOrStderr(), o.verbose))
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the device's usage page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client(cmd).info(cmd.Context())
			if err != nil {
				return err
			}
			if err := describe(res); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Body)
			return nil
		},
	}
}

func newSwitchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "switch",
		Short: "Boot the other bank without uploading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.client(cmd)
			res, err := c.switchBank(cmd.Context())
			if err != nil {
				return err
			}
			if err := describe(res); err != nil {
				return err
			}
			c.logger.Info("switch:ok", slog.String("host", opts.host))
			fmt.Fprintln(cmd.OutOrStdout(), "Device is restarting into the other bank.")
			return nil
		},
	}
}

func newPushCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <file.bin|file.uf2>",
		Short: "Upload a firmware image and restart into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := loadImage(args[0])
			if err != nil {
				return err
			}
			c := opts.client(cmd)
			c.password = getPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), opts.password)
			c.expect = opts.expect
			if c.password == "" {
				c.logger.Warn("push:no-password")
			}
			c.logger.Info("push:start",
				slog.String("file", filepath.Base(args[0])),
				slog.String("size", humanize.Bytes(uint64(len(image)))),
				slog.String("host", opts.host),
			)

			start := time.Now()
			res, err := c.push(cmd.Context(), image, progressLogger(c.logger))
			if err != nil {
				return err
			}
			if err := describe(res); err != nil {
				return err
			}
			elapsed := time.Since(start)
			rate := float64(len(image)) / max(elapsed.Seconds(), 0.001)
			c.logger.Info("push:ok",
				slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
				slog.String("rate", humanize.Bytes(uint64(rate))+"/s"),
			)
			fmt.Fprintln(cmd.OutOrStdout(), "Upload complete. Device is restarting into the new image.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.expect, "expect", true, "send Expect: 100-continue and wait for the device before sending the body")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.uf2>",
		Short: "Show the header of a UF2 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return readFirmwareInfo(cmd.OutOrStdout(), args[0])
		},
	}
}

// loadImage reads a raw binary, or the image carried by a UF2 file.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".uf2") || isUF2(data) {
		data, err = extractUF2Binary(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	return data, nil
}

func isUF2(data []byte) bool {
	_, err := parseUF2Block(data)
	return err == nil
}

// progressLogger logs every 10% of the upload.
func progressLogger(logger *slog.Logger) func(sent, total int64) {
	last := int64(-1)
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		decile := sent * 10 / total
		if decile == last {
			return
		}
		last = decile
		logger.Debug("push:progress",
			slog.Int64("percent", decile*10),
			slog.String("sent", humanize.Bytes(uint64(sent))),
		)
	}
}

// getPassword resolves the password: flag, then environment, then an
// interactive prompt when stdin is a terminal.
func getPassword(in io.Reader, out io.Writer, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPass := os.Getenv(passwordEnv); envPass != "" {
		return envPass
	}
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return ""
	}
	fmt.Fprint(out, "Password: ")
	password, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(password))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
