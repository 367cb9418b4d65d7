package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dratasich/obsbridge/config"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "obsbridge",
		Short: "Stream scalar observations between processes",
		Long: `obsbridge publishes timestamped, range-bounded observations on a fixed
cadence and receives them with bounded polling on the other side.

Addresses select the transport:
  mem://name                    in-process (demo only)
  tcp://*:5556                  ZeroMQ PUB/SUB (subscribers use tcp://host:5556)
  mqtt://host:1883/topic        MQTT broker
  /ip4/0.0.0.0/tcp/5556         libp2p gossipsub (subscribers add /p2p/<id>)`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPublishCmd(),
		newSubscribeCmd(),
		newDemoCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version": version,
					"commit":  commit,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "obsbridge version %s (commit: %s)\n", version, commit)
			}
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// loadConfig reads file and environment settings and applies the global flags
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	var err error
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(cmd.Context(), path)
	} else {
		cfg, err = config.LoadFromEnv(cmd.Context())
	}
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if err := setupLogging(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate the settings once the command flags are applied
func validate(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// interrupted reports an error caused by the user stopping the run
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}
