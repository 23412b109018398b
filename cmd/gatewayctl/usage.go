package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gateway/internal/quota"
)

func newUsageCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <caller>",
		Short: "Show a caller's quota usage in the current window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, db, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			c, err := db.CallerByRef(ctx, args[0])
			if err != nil {
				return err
			}
			unit, err := quota.ParseUnit(cfg.Quota.Unit)
			if err != nil {
				return err
			}

			var qs quota.Store = db.QuotaStore()
			if cfg.Quota.Store == "redis" {
				opts, err := redis.ParseURL(cfg.Redis.URL)
				if err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				rdb := redis.NewClient(opts)
				defer func() { _ = rdb.Close() }()
				qs = quota.NewRedisStore(rdb)
			}

			snap, err := quota.NewLedger(qs, quota.Options{Window: cfg.Quota.Window, Unit: unit}).Snapshot(ctx, c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "caller:    %s (%d)\n", c.Name, c.ID)
			fmt.Fprintf(out, "active:    %t\n", c.Active)
			fmt.Fprintf(out, "unit:      %s\n", snap.Unit)
			if snap.Unlimited {
				fmt.Fprintf(out, "used:      %d (unlimited)\n", snap.Used)
			} else {
				fmt.Fprintf(out, "used:      %d / %d\n", snap.Used, snap.Limit)
				fmt.Fprintf(out, "remaining: %d\n", snap.Remaining)
			}
			fmt.Fprintf(out, "resets:    %s\n", snap.ResetAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <caller>",
		Short: "Show a caller's most recent inference log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			c, err := db.CallerByRef(ctx, args[0])
			if err != nil {
				return err
			}
			logs, err := db.RecentLogs(ctx, c.ID, limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No log entries found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tREQUEST\tMODEL\tCACHE\tOUTCOME\tSTATUS\tLATENCY\tTOKENS\tBILLED")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%sms\t%d/%d\t%d\n",
					l.CreatedAt.Format("2006-01-02T15:04:05"), l.RequestID, l.ModelID, l.CacheStatus,
					l.Outcome, l.Status, strconv.FormatInt(l.LatencyMS, 10),
					l.PromptTokens, l.CompletionTokens, l.BilledUnits)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}
