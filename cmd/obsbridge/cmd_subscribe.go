package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dratasich/obsbridge"
	"github.com/dratasich/obsbridge/store"
)

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Receive observations until t-max",
		Long: `Poll the publisher once per tick, waiting at most --timeout for a message.

With --on-timeout advance (default) a poll without message still advances the
virtual clock, so the run ends after at most t-max/dt polls. With hold it polls
again without advancing and runs until interrupted while no publisher sends.

Examples:
  obsbridge subscribe --connect /ip4/127.0.0.1/tcp/5556/p2p/12D3Koo... --csv
  obsbridge subscribe --connect mqtt://localhost:1883/gym --history-db history.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("connect") {
				cfg.Subscriber.ConnectAddress, _ = flags.GetString("connect")
			}
			applyDurationFlag(flags, "t-max", &cfg.Subscriber.TMax)
			applyDurationFlag(flags, "dt", &cfg.Subscriber.Dt)
			applyDurationFlag(flags, "timeout", &cfg.Subscriber.ReceiveTimeout)
			applyDurationFlag(flags, "throttle", &cfg.Subscriber.Throttle)
			if flags.Changed("on-timeout") {
				policy, _ := flags.GetString("on-timeout")
				cfg.Subscriber.OnTimeout = obsbridge.TimeoutPolicy(policy)
			}
			if flags.Changed("history-db") {
				cfg.History.DB, _ = flags.GetString("history-db")
			}
			if err := validate(cfg); err != nil {
				return err
			}
			csvOut, _ := flags.GetBool("csv")

			reg := prometheus.NewRegistry()
			sub, err := obsbridge.NewSubscriber(cfg.Subscriber, cfg.Registry(nil),
				obsbridge.WithSubscriberMetrics(obsbridge.NewMetrics(reg)),
				obsbridge.WithHandler(logSample),
			)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			startedAt := time.Now()
			err = runWithMonitoring(ctx, cfg.Metrics.Addr, reg, sub.Ready(), sub.Run)
			if err != nil && !interrupted(ctx, err) {
				return err
			}

			// keep whatever arrived, also after an interrupt
			history := sub.History()
			if cfg.History.DB != "" {
				if err := saveHistory(context.Background(), cfg.History.DB, store.NewRun(cfg.Subscriber.ConnectAddress, startedAt), history); err != nil {
					return err
				}
			}
			if csvOut {
				return writeCSV(cmd.OutOrStdout(), history)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("connect", "", "Address of the publisher")
	addTimingFlags(flags)
	flags.Duration("timeout", 0, "Maximum wait per poll (e.g. 1s)")
	flags.Duration("throttle", 0, "Minimum interval between processed messages")
	flags.String("on-timeout", "", "Clock policy on timeout: advance or hold")
	flags.String("history-db", "", "Append the received history to this sqlite database")
	flags.Bool("csv", false, "Print the received history as CSV")
	return cmd
}

func logSample(ctx context.Context, s obsbridge.Sample) {
	log.Info().Msgf("recv value=%g range=[%g, %g] at t=%.3fs", s.Observation.Value, s.Observation.Min, s.Observation.Max, s.Seconds())
}

func saveHistory(ctx context.Context, path string, run store.Run, history obsbridge.History) error {
	s, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Save(ctx, run, history); err != nil {
		return err
	}
	log.Info().Msgf("Saved %d samples as run %s to %s", len(history), run.ID, path)
	return nil
}

// writeCSV prints the history as `t,min,max,value,ts` rows
func writeCSV(w io.Writer, history obsbridge.History) error {
	out := csv.NewWriter(w)
	if err := out.Write([]string{"t", "min", "max", "value", "ts"}); err != nil {
		return err
	}
	for _, s := range history {
		obs := s.Observation
		if err := out.Write([]string{
			formatFloat(s.Seconds()),
			formatFloat(obs.Min),
			formatFloat(obs.Max),
			formatFloat(obs.Value),
			formatFloat(obs.Timestamp),
		}); err != nil {
			return err
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
