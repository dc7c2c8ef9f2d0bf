package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/listener"
)

func createWatchCommand(global *GlobalFlags, flags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print records as running nodes record them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter event.Filter
			if flags.Expr != "" {
				var err error
				if filter, err = buildFilter(nil, flags.Expr); err != nil {
					return err
				}
			}
			types := event.ParseTypes(flags.Types...)
			if len(types) == 0 {
				types = event.AllMinusMetricUpdate
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, cleanup, err := joinGrid(ctx, global, &flags.ClientFlags)
			if err != nil {
				return err
			}
			defer cleanup()

			out := newPrinter(cmd.OutOrStdout())
			printRec := listener.NamedFunc("watch", func(rec event.Record) bool {
				_ = out.print(rec)
				return true
			})
			sub, err := target(node, &flags.ClientFlags).Events().RemoteListen(ctx, printRec, filter, types...)
			if errors.Is(err, eventfabric.ErrEmptyProjection) {
				return noMembers(err)
			}
			if err != nil {
				return err
			}
			for id, ferr := range sub.Failures() {
				node.Logger().Warn("not watching node", "node", id, "error", ferr)
			}

			<-ctx.Done()
			return nil
		},
	}
	addClientFlags(cmd, &flags.ClientFlags)
	cmd.Flags().StringSliceVar(&flags.Types, "type", nil, "event type or group (repeatable, default all but metric updates)")
	cmd.Flags().StringVar(&flags.Expr, "expr", "", "filter expression")
	return cmd
}
