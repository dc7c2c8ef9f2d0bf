package main

import (
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric"
)

func createQueryCommand(global *GlobalFlags, flags *QueryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the records of running nodes",
		Example: `  eventfabric query --type task.started
  eventfabric query --node n-4f2a9c1d --expr "task_name == 'resize'"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildFilter(flags.Types, flags.Expr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			node, cleanup, err := joinGrid(ctx, global, &flags.ClientFlags)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := target(node, &flags.ClientFlags).Events().RemoteQuery(ctx, filter, flags.Timeout)
			if errors.Is(err, eventfabric.ErrEmptyProjection) {
				return noMembers(err)
			}
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := out.print(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addClientFlags(cmd, &flags.ClientFlags)
	cmd.Flags().StringSliceVar(&flags.Types, "type", nil, "event type or group (repeatable)")
	cmd.Flags().StringVar(&flags.Expr, "expr", "", "filter expression")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 5*time.Second, "query deadline")
	return cmd
}
