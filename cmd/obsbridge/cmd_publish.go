package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dratasich/obsbridge"
	"github.com/dratasich/obsbridge/observation"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a signal as observations",
		Long: `Publish one observation per tick for t-max, without waiting for subscribers.

Examples:
  obsbridge publish --bind /ip4/0.0.0.0/tcp/5556 --signal sine
  obsbridge publish --bind mqtt://localhost:1883/gym --signal constant --min -1.2 --max 0.6 --value -0.9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bind") {
				cfg.Publisher.BindAddress, _ = cmd.Flags().GetString("bind")
			}
			applyDurationFlag(cmd.Flags(), "t-max", &cfg.Publisher.TMax)
			applyDurationFlag(cmd.Flags(), "dt", &cfg.Publisher.Dt)
			applySignalFlags(cmd.Flags(), &cfg.Signal)
			if err := validate(cfg); err != nil {
				return err
			}

			signal, err := observation.SignalByName(cfg.Signal)
			if err != nil {
				return fmt.Errorf("signal: %w", err)
			}

			reg := prometheus.NewRegistry()
			pub, err := obsbridge.NewPublisher(cfg.Publisher, signal, cfg.Registry(nil),
				obsbridge.WithPublisherMetrics(obsbridge.NewMetrics(reg)))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			err = runWithMonitoring(ctx, cfg.Metrics.Addr, reg, pub.Ready(), pub.Run)
			if interrupted(ctx, err) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("bind", "", "Address to publish on")
	addTimingFlags(cmd.Flags())
	addSignalFlags(cmd.Flags())
	return cmd
}

func addTimingFlags(flags *pflag.FlagSet) {
	flags.Duration("t-max", 0, "Total virtual duration (e.g. 10s)")
	flags.Duration("dt", 0, "Tick interval (e.g. 10ms)")
}

func addSignalFlags(flags *pflag.FlagSet) {
	flags.String("signal", "", "Signal to publish: sine, constant or uniform")
	flags.Float64("min", 0, "Lower bound of the value range")
	flags.Float64("max", 0, "Upper bound of the value range")
	flags.Float64("frequency", 0, "Frequency of the sine signal in Hz")
	flags.Float64("value", 0, "Value of the constant signal")
	flags.Int64("seed", 0, "Seed of the uniform signal")
}

func applyDurationFlag(flags *pflag.FlagSet, name string, dst *time.Duration) {
	if flags.Changed(name) {
		*dst, _ = flags.GetDuration(name)
	}
}

func applyFloatFlag(flags *pflag.FlagSet, name string, dst *float64) {
	if flags.Changed(name) {
		*dst, _ = flags.GetFloat64(name)
	}
}

func applySignalFlags(flags *pflag.FlagSet, p *observation.SignalParams) {
	if flags.Changed("signal") {
		p.Name, _ = flags.GetString("signal")
	}
	applyFloatFlag(flags, "min", &p.Min)
	applyFloatFlag(flags, "max", &p.Max)
	applyFloatFlag(flags, "frequency", &p.Frequency)
	applyFloatFlag(flags, "value", &p.Value)
	if flags.Changed("seed") {
		p.Seed, _ = flags.GetInt64("seed")
	}
}
