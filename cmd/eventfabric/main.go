// Command eventfabric runs event grid nodes and inspects running grids.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogFile    string
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "eventfabric",
		Short:         "Per-node event recording, listening and scatter-gather queries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&global.ConfigPath, "config", "", "node config file (.yaml, .json or .toml)")
	pf.StringVar(&global.LogLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&global.LogFormat, "log-format", "", "text or json")
	pf.StringVar(&global.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")

	root.AddCommand(
		createServeCommand(global, &ServeFlags{}),
		createQueryCommand(global, &QueryFlags{}),
		createMembersCommand(global, &ClientFlags{}),
		createWatchCommand(global, &WatchFlags{}),
		createArchiveCommand(global, &ArchiveFlags{}),
	)
	return root
}
