package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/cluster"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// addClientFlags registers the flags shared by commands that join the grid.
func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	f := cmd.Flags()
	f.StringVar(&flags.NATSURL, "nats-url", "", "NATS server URL (default from config)")
	f.StringVar(&flags.SubjectPrefix, "subject-prefix", "", "NATS subject prefix (default from config)")
	f.DurationVar(&flags.Discover, "discover", time.Second, "how long to wait for members to answer")
	f.StringSliceVar(&flags.Nodes, "node", nil, "target node ID (repeatable, default every other member)")
}

// joinGrid starts a short-lived client node that records nothing of its own
// and waits for the roster to fill in. The returned function closes it.
func joinGrid(ctx context.Context, g *GlobalFlags, flags *ClientFlags) (*eventfabric.Node, func(), error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, nil, err
	}
	if flags.NATSURL != "" {
		cfg.NATS.URL = flags.NATSURL
	}
	if flags.SubjectPrefix != "" {
		cfg.NATS.SubjectPrefix = flags.SubjectPrefix
	}
	if cfg.Node.ID, err = cluster.NewNodeIDWithPrefix("cli-"); err != nil {
		return nil, nil, err
	}
	cfg.Membership.RecordMetricUpdates = false
	cfg.Archive.DSN = ""

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	tr, err := transport.DialNATS(ctx, transport.NATSConfig{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Name:          "eventfabric " + cfg.Node.ID,
		Logger:        logger,
	})
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	node, err := eventfabric.New(cfg, eventfabric.WithTransport(tr), eventfabric.WithLogger(logger))
	if err == nil {
		err = node.Start(ctx)
	}
	if err != nil {
		tr.Close()
		closer.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = node.Close()
		_ = tr.Close()
		_ = closer.Close()
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, nil, ctx.Err()
	case <-time.After(flags.Discover):
	}
	return node, cleanup, nil
}

// target returns the projection selected by --node, or every member but
// the client itself.
func target(node *eventfabric.Node, flags *ClientFlags) *eventfabric.Projected {
	if len(flags.Nodes) > 0 {
		return node.ForNodes(flags.Nodes...)
	}
	return node.ForRemotes()
}

func noMembers(err error) error {
	return fmt.Errorf("%w: no member answered; is a node serving on this NATS subject prefix?", err)
}
