package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/warming"
)

func newInvalidateCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	var (
		playlist int64
		areas    []string
		stats    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Run an invalidation sweep, or a manual invalidation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			engine := a.client.Invalidation()
			out := cmd.OutOrStdout()

			switch {
			case playlist != 0:
				n, err := engine.InvalidateByPlaylist(ctx, playlist)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "invalidated %d entries of playlist %d\n", n, playlist)
				return nil
			case len(areas) > 0:
				n, err := engine.InvalidateTraffic(ctx, areas)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "invalidated %d traffic entries in %s\n", n, strings.Join(areas, ", "))
				return nil
			case stats > 0:
				s, err := engine.Stats(ctx, stats)
				if err != nil {
					return err
				}
				return printJSON(out, s)
			}

			report, err := engine.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		},
	}

	cmd.Flags().Int64Var(&playlist, "playlist", 0, "invalidate the entries of this playlist")
	cmd.Flags().StringSliceVar(&areas, "traffic-areas", nil, "invalidate traffic entries in these areas")
	cmd.Flags().DurationVar(&stats, "stats", 0, "print invalidation statistics for this window instead of sweeping")
	return cmd
}

func newWarmCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	var (
		addresses []string
		route     []string
		traffic   bool
	)

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Run a warming pass, or warm the given addresses or route",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			engine := a.client.Warming()
			out := cmd.OutOrStdout()

			if len(addresses) > 0 {
				n := engine.WarmAddresses(ctx, addresses)
				fmt.Fprintf(out, "warmed %d of %d addresses\n", n, len(addresses))
				return nil
			}
			if len(route) > 0 {
				points, err := parseWaypoints(route)
				if err != nil {
					return err
				}
				ok := engine.WarmRoute(ctx, points, geo.RouteOptions{WithTraffic: traffic})
				fmt.Fprintf(out, "route warmed: %t\n", ok)
				return nil
			}

			report, err := engine.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		},
	}

	cmd.Flags().StringSliceVar(&addresses, "addresses", nil, "geocode these addresses")
	cmd.Flags().StringArrayVar(&route, "waypoint", nil, "route waypoint as lat,lng (repeat, at least 2)")
	cmd.Flags().BoolVar(&traffic, "traffic", false, "warm the route with traffic")
	return cmd
}

func newEnqueueCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	var (
		priority string
		after    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue ADDRESS...",
		Short: "Queue geocoding warming jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(priority)
			if err != nil {
				return err
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var executeAfter time.Time
			if after > 0 {
				executeAfter = a.client.Cache().Now().Add(after)
			}

			for _, address := range args {
				job, err := a.client.Queue().Enqueue(cmd.Context(), warming.GeocodeTarget(address), p, executeAfter)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "high", "critical, high, normal, low or 1-8; warm only drains 1-3, lower priorities need their own consumer")
	cmd.Flags().DurationVar(&after, "after", 0, "do not execute before this delay")
	return cmd
}

func parsePriority(s string) (warming.Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return warming.PriorityCritical, nil
	case "high":
		return warming.PriorityHigh, nil
	case "normal", "":
		return warming.PriorityNormal, nil
	case "low":
		return warming.PriorityLow, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < int(warming.PriorityCritical) || n > int(warming.PriorityLow) {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return warming.Priority(n), nil
}

func parseWaypoints(values []string) ([]geo.Point, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("a route needs at least 2 waypoints, got %d", len(values))
	}
	points := make([]geo.Point, 0, len(values))
	for _, v := range values {
		var p geo.Point
		if _, err := fmt.Sscanf(v, "%f,%f", &p.Lat, &p.Lng); err != nil {
			return nil, fmt.Errorf("waypoint %q: want lat,lng", v)
		}
		points = append(points, p)
	}
	return points, nil
}
