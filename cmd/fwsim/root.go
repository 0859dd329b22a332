package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"openenterprise/dualboot/config"
	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/ota/otanet"
	"openenterprise/dualboot/store"
	"openenterprise/dualboot/version"
)

const defaultConfigFile = "fwsim.yaml"

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "fwsim",
		Short:         "Simulated dual-bank device for testing firmware updates",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigFile, "configuration file")

	serve := newServeCmd(&cfgFile)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(
		serve,
		newInitCmd(&cfgFile),
		newStateCmd(&cfgFile),
		newLogCmd(&cfgFile),
	)
	return root
}

// loadConfig reads the configuration file. A missing default file means
// defaults; a missing file named explicitly is an error.
func loadConfig(cmd *cobra.Command, path string) (*config.Sim, error) {
	cfg, err := config.LoadFile(path)
	if f := cmd.Flag("config"); errors.Is(err, fs.ErrNotExist) && (f == nil || !f.Changed) {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl := charmlog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = charmlog.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("%w: log level: %w", config.ErrInvalid, err)
		}
	}
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})), nil
}

func newServeCmd(cfgFile *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the update protocol (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			sim, err := newSimulator(cfg, logger)
			if err != nil {
				return err
			}
			defer sim.Close()

			l, err := otanet.Listen(cfg.Listen, 0)
			if err != nil {
				return err
			}
			defer l.Close()
			return sim.run(cmd.Context(), l)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides the configuration")
	return cmd
}

func newInitCmd(cfgFile *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(*cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *cfgFile)
			}
			if err := config.Default().Save(*cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", *cfgFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func openStore(cmd *cobra.Command, cfgFile string) (*config.Sim, *store.DB, error) {
	cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newStateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the boot pointer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openStore(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := db.State()
			if err != nil {
				return err
			}
			layout := cfg.Layout()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Running: %s (%s)\n", st.Running, layout[st.Running].Label)
			fmt.Fprintf(w, "Next:    %s (%s)\n", st.Next, layout[st.Next].Label)
			fmt.Fprintf(w, "Boots:   %d\n", st.Boots)
			fmt.Fprintf(w, "Updated: %s\n", humanize.Time(st.UpdatedAt))
			return nil
		},
	}
}

func newLogCmd(cfgFile *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List recent update requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openStore(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer db.Close()
			entries, err := db.Recent(limit)
			if err != nil {
				return err
			}
			writeEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func writeEntries(w io.Writer, entries []store.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tROUTE\tSTATUS\tBANK\tBYTES\tDURATION\tERROR")
	for _, e := range entries {
		status := "-"
		if e.Status != 0 {
			status = strconv.Itoa(e.Status)
		}
		bytes := "-"
		if e.Declared > 0 || e.Written > 0 {
			bytes = fmt.Sprintf("%d/%d", e.Written, e.Declared)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format(time.DateTime), e.Route, status, orDash(e.Bank), bytes, e.Duration, orDash(e.Err))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// listenPort extracts the port advertised on the info page.
func listenPort(addr string) uint16 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ota.DefaultPort
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return ota.DefaultPort
	}
	return uint16(p)
}
