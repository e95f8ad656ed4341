package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/geoquota/pkg/provider"
)

func newUsageCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	var (
		asJSON  bool
		history string
		days    int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show provider usage against the quotas",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if history != "" {
				p, err := provider.Parse(history)
				if err != nil {
					return err
				}
				records, err := a.client.Ledger().History(ctx, p, days)
				if err != nil {
					return err
				}
				return printJSON(out, records)
			}

			overview, err := a.client.Guard().Overview(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, overview)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tDAILY\tLIMIT\tDAILY %\tHOURLY\tLEVEL\tBLOCKED\tCOST")
			for _, o := range overview {
				level := string(o.WarningLevel)
				if level == "" {
					level = "-"
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%d\t%s\t%t\t%.2f\n",
					o.Provider, o.Usage.Daily, o.Limits.DailyLimit, o.Usage.DailyPercent,
					o.Usage.Hourly, level, o.Blocked, o.EstimatedCost)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&history, "history", "", "print daily history of this provider")
	cmd.Flags().IntVar(&days, "days", 7, "days of history")
	return cmd
}

func newCleanupCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete usage records past retention and prune expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			records, err := a.client.Ledger().Cleanup(ctx, a.cfg.Retention())
			if err != nil {
				return err
			}
			entries, err := a.client.Cache().Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d usage records and %d cache entries\n", records, entries)
			return nil
		},
	}
}
