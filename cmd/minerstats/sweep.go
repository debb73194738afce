package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/minerstats/pkg/retention"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/server"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

func newSweepCmd(c *cli) *cobra.Command {
	var (
		key       schema.SeriesKey
		rangeName string
		timestamp int64
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired buckets of one series",
		Long: "Runs the retention sweep that normally follows each new bucket. " +
			"Buckets older than the range's horizon, measured back from --timestamp, are deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := key.Validate(); err != nil {
				return err
			}
			g, err := timeseries.ParseRange(rangeName)
			if err != nil {
				return err
			}
			horizon, bounded := timeseries.Retention(g)
			if !bounded {
				return fmt.Errorf("%s buckets are kept forever", g.PathName())
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}

			store, err := server.OpenStore(cmd.Context(), c.cfg.Storage, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			sweeper := retention.New(store, retention.WithLogger(c.logger))
			parent := key.Bucket(g)
			deleted, err := sweeper.Sweep(cmd.Context(), parent, timestamp, horizon)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d buckets from %s\n", deleted, parent)
			return nil
		},
	}

	cmd.Flags().StringVar(&key.Pool, "pool", "", "Pool name")
	cmd.Flags().StringVar(&key.Algorithm, "algo", "", "Algorithm")
	cmd.Flags().StringVar(&key.Coin, "coin", "", "Coin, for coin focused pools")
	cmd.Flags().StringVar(&rangeName, "range", "per-minute", "Bucket range: per-minute or per-hour")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "Newest bucket start in unix seconds (default now)")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("algo")
	return cmd
}
