// Command wlinfo inspects Wayland compositors: it lists their globals,
// measures roundtrip latency and exports connection metrics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     = defaultConfig()

	rootCmd = &cobra.Command{
		Use:           "wlinfo",
		Short:         "Inspect Wayland compositors",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", defaultConfigPath(), "path of the TOML configuration file")
	flags.StringSliceVarP(&cfg.Displays, "display", "d", nil, "compositor sockets to connect to (default $WAYLAND_DISPLAY)")
	flags.DurationVar(&cfg.Wait, "wait", 0, "wait this long for the compositor socket to appear")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log messages above specified level (trace, debug, info, warn, error)")
	flags.BoolVar(&cfg.Debug, "wayland-debug", false, "log every message sent and received")

	rootCmd.AddCommand(globalsCmd, roundtripCmd, monitorCmd)
}

func setup(cmd *cobra.Command) error {
	if err := loadConfig(cfgFile, cmd.Flags(), &cfg); err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Debug {
		// Message traces are logged at trace level.
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
