package main

import "time"

// ServeFlags override the node config for serve.
type ServeFlags struct {
	NodeID       string
	Attributes   []string
	NATSURL      string
	Embedded     bool
	EmbeddedPort int
	Capacity     int
	ArchiveDSN   string
	MetricsAddr  string
	DemoInterval time.Duration
}

// ClientFlags are used by commands that join the grid briefly.
type ClientFlags struct {
	NATSURL       string
	SubjectPrefix string
	Discover      time.Duration
	Nodes         []string
}

// QueryFlags holds flags for query.
type QueryFlags struct {
	ClientFlags
	Types   []string
	Expr    string
	Timeout time.Duration
}

// WatchFlags holds flags for watch.
type WatchFlags struct {
	ClientFlags
	Types []string
	Expr  string
}

// ArchiveFlags holds flags for archive.
type ArchiveFlags struct {
	DSN   string
	Types []string
	Expr  string
	Limit int
}
