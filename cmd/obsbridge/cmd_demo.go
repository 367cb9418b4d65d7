package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dratasich/obsbridge"
	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

const demoAddress = "mem://demo"

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a publisher and subscribers in one process",
		Long: `Run one publisher and --subscribers subscribers over the in-process transport.
The publisher starts once every subscriber is connected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			applyDurationFlag(flags, "t-max", &cfg.Publisher.TMax)
			applyDurationFlag(flags, "dt", &cfg.Publisher.Dt)
			applyDurationFlag(flags, "timeout", &cfg.Subscriber.ReceiveTimeout)
			applySignalFlags(flags, &cfg.Signal)
			count, _ := flags.GetInt("subscribers")
			if count < 1 {
				return fmt.Errorf("at least one subscriber is required, got %d", count)
			}
			csvOut, _ := flags.GetBool("csv")

			signal, err := observation.SignalByName(cfg.Signal)
			if err != nil {
				return fmt.Errorf("signal: %w", err)
			}

			// both ends share the clock settings of the publisher
			cfg.Publisher.BindAddress = demoAddress
			cfg.Subscriber.ConnectAddress = demoAddress
			cfg.Subscriber.TMax = cfg.Publisher.TMax
			cfg.Subscriber.Dt = cfg.Publisher.Dt
			if err := validate(cfg); err != nil {
				return err
			}
			subCfg := cfg.Subscriber

			reg := prometheus.NewRegistry()
			metrics := obsbridge.NewMetrics(reg)
			mem := transport.NewMemory(0)

			subs := make([]*obsbridge.Subscriber, count)
			for i := range subs {
				subs[i], err = obsbridge.NewSubscriber(subCfg, mem, obsbridge.WithSubscriberMetrics(metrics))
				if err != nil {
					return err
				}
			}
			pub, err := obsbridge.NewPublisher(cfg.Publisher, signal, mem,
				obsbridge.WithPublisherMetrics(metrics),
				obsbridge.WithPublisherBarrier(awaitSubscribers(subs)),
			)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			err = runWithMonitoring(ctx, cfg.Metrics.Addr, reg, pub.Ready(), func(ctx context.Context) error {
				grp, grpCtx := errgroup.WithContext(ctx)
				for _, sub := range subs {
					grp.Go(func() error { return sub.Run(grpCtx) })
				}
				grp.Go(func() error { return pub.Run(grpCtx) })
				return grp.Wait()
			})
			if err != nil && !interrupted(ctx, err) {
				return err
			}

			out := cmd.OutOrStdout()
			if csvOut {
				return writeCSV(out, subs[0].History())
			}
			fmt.Fprintf(out, "published %d observations\n", pub.Sent())
			for i, sub := range subs {
				fmt.Fprintf(out, "subscriber %d received %d observations in %d polls\n", i, len(sub.History()), sub.Iterations())
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int("subscribers", 2, "Number of subscribers")
	addTimingFlags(flags)
	flags.Duration("timeout", 0, "Maximum wait per poll (e.g. 1s)")
	addSignalFlags(flags)
	flags.Bool("csv", false, "Print the history of the first subscriber as CSV")
	return cmd
}

// awaitSubscribers is the startup barrier of the demo publisher
func awaitSubscribers(subs []*obsbridge.Subscriber) obsbridge.Barrier {
	return func(ctx context.Context) error {
		for _, sub := range subs {
			select {
			case <-sub.Ready():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}
