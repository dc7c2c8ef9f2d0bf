package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/store"
)

func createArchiveCommand(global *GlobalFlags, flags *ArchiveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Print records from an eviction archive",
		Example: `  eventfabric archive --dsn /var/lib/eventfabric/archive.db --type job
  eventfabric archive --dsn postgres://fabric@db/fabric --expr "node == 'n-4f2a9c1d'"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := flags.DSN
			if dsn == "" {
				cfg, err := loadConfig(global)
				if err != nil {
					return err
				}
				dsn = cfg.Archive.DSN
			}
			if dsn == "" {
				return errors.New("no archive: pass --dsn or set archive.dsn")
			}
			filter, err := buildFilter(flags.Types, flags.Expr)
			if err != nil {
				return err
			}

			a, err := store.OpenSQLArchive(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer a.Close()

			out := newPrinter(cmd.OutOrStdout())
			printed := 0
			var printErr error
			err = a.Scan(cmd.Context(), filter, func(rec event.Record) bool {
				if printErr = out.print(rec); printErr != nil {
					return false
				}
				printed++
				return flags.Limit <= 0 || printed < flags.Limit
			})
			return errors.Join(err, printErr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.DSN, "dsn", "", "archive DSN (default from config)")
	f.StringSliceVar(&flags.Types, "type", nil, "event type or group (repeatable)")
	f.StringVar(&flags.Expr, "expr", "", "filter expression")
	f.IntVar(&flags.Limit, "limit", 0, "stop after this many records")
	return cmd
}
