package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func createMembersCommand(global *GlobalFlags, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List the live members of the grid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			node, cleanup, err := joinGrid(ctx, global, flags)
			if err != nil {
				return err
			}
			defer cleanup()

			out := newPrinter(cmd.OutOrStdout())
			for _, m := range target(node, flags).Members() {
				if err := out.print(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}
