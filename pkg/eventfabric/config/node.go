package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/store"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "EVENTFABRIC_"

// NodeConfig is the typed configuration of one node.
type NodeConfig struct {
	Node       NodeSection
	Store      StoreSection
	Query      QuerySection
	Listeners  ListenerSection
	Membership MembershipSection
	NATS       NATSSection
	Archive    ArchiveSection
	Log        observability.LogConfig
	Metrics    MetricsSection
}

// NodeSection identifies the node.
type NodeSection struct {
	// ID is generated when empty.
	ID         string
	Attributes map[string]string
}

// StoreSection bounds local retention.
type StoreSection struct {
	// Capacity: 0 means store.DefaultCapacity.
	Capacity int
	MaxAge   time.Duration
}

// QuerySection tunes remote queries.
type QuerySection struct {
	DefaultTimeout time.Duration
	MaxConcurrency int
}

// ListenerSection tunes local dispatch.
type ListenerSection struct {
	AutoUnregister bool
}

// MembershipSection tunes heartbeats and failure detection.
type MembershipSection struct {
	HeartbeatInterval   time.Duration
	FailureTimeout      time.Duration
	SweepInterval       time.Duration
	RecordMetricUpdates bool
}

// NATSSection selects the NATS server.
type NATSSection struct {
	URL           string
	SubjectPrefix string
	// Embedded starts an in-process server on EmbeddedPort.
	Embedded     bool
	EmbeddedPort int
}

// ArchiveSection configures the eviction archive. An empty DSN disables it.
type ArchiveSection struct {
	DSN string
}

// MetricsSection configures the Prometheus listener. An empty Addr
// disables it.
type MetricsSection struct {
	Addr string
}

// DefaultNodeConfig returns the configuration used for absent keys.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Store: StoreSection{Capacity: store.DefaultCapacity},
		Query: QuerySection{DefaultTimeout: 5 * time.Second},
		Membership: MembershipSection{
			HeartbeatInterval:   2 * time.Second,
			FailureTimeout:      10 * time.Second,
			SweepInterval:       time.Second,
			RecordMetricUpdates: true,
		},
		NATS: NATSSection{SubjectPrefix: "eventfabric", EmbeddedPort: 4222},
		Log:  observability.LogConfig{Level: "info", Format: "text"},
	}
}

// NodeFromConfig reads a NodeConfig from c, one section per top-level key.
func NodeFromConfig(c Config) NodeConfig {
	nc := DefaultNodeConfig()

	node := c.Sub("node")
	nc.Node.ID = node.String("id", nc.Node.ID)
	nc.Node.Attributes = node.StringMap("attributes")

	st := c.Sub("store")
	nc.Store.Capacity = st.Int("capacity", nc.Store.Capacity)
	nc.Store.MaxAge = st.Duration("max_age", nc.Store.MaxAge)

	q := c.Sub("query")
	nc.Query.DefaultTimeout = q.Duration("default_timeout", nc.Query.DefaultTimeout)
	nc.Query.MaxConcurrency = q.Int("max_concurrency", nc.Query.MaxConcurrency)

	nc.Listeners.AutoUnregister = c.Sub("listeners").Bool("auto_unregister", nc.Listeners.AutoUnregister)

	m := c.Sub("membership")
	nc.Membership.HeartbeatInterval = m.Duration("heartbeat_interval", nc.Membership.HeartbeatInterval)
	nc.Membership.FailureTimeout = m.Duration("failure_timeout", nc.Membership.FailureTimeout)
	nc.Membership.SweepInterval = m.Duration("sweep_interval", nc.Membership.SweepInterval)
	nc.Membership.RecordMetricUpdates = m.Bool("record_metric_updates", nc.Membership.RecordMetricUpdates)

	n := c.Sub("nats")
	nc.NATS.URL = n.String("url", nc.NATS.URL)
	nc.NATS.SubjectPrefix = n.String("subject_prefix", nc.NATS.SubjectPrefix)
	nc.NATS.Embedded = n.Bool("embedded", nc.NATS.Embedded)
	nc.NATS.EmbeddedPort = n.Int("embedded_port", nc.NATS.EmbeddedPort)

	nc.Archive.DSN = c.Sub("archive").String("dsn", nc.Archive.DSN)

	l := c.Sub("log")
	nc.Log.Level = l.String("level", nc.Log.Level)
	nc.Log.Format = l.String("format", nc.Log.Format)
	nc.Log.File = l.String("file", nc.Log.File)
	nc.Log.MaxSizeMB = l.Int("max_size_mb", nc.Log.MaxSizeMB)
	nc.Log.MaxBackups = l.Int("max_backups", nc.Log.MaxBackups)
	nc.Log.MaxAgeDays = l.Int("max_age_days", nc.Log.MaxAgeDays)
	nc.Log.Compress = l.Bool("compress", nc.Log.Compress)

	nc.Metrics.Addr = c.Sub("metrics").String("addr", nc.Metrics.Addr)
	return nc
}

// LoadNode reads path, applies the environment and validates the result.
// An empty path starts from the defaults.
func LoadNode(path string) (NodeConfig, error) {
	nc := DefaultNodeConfig()
	if path != "" {
		c, err := FromFile(path)
		if err != nil {
			return NodeConfig{}, err
		}
		nc = NodeFromConfig(c)
	}
	if err := nc.ApplyEnv(); err != nil {
		return NodeConfig{}, err
	}
	if err := nc.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return nc, nil
}

// Validate reports every invalid setting.
func (nc NodeConfig) Validate() error {
	var errs []error
	if nc.Store.Capacity < 0 {
		errs = append(errs, fmt.Errorf("store.capacity must not be negative, got %d", nc.Store.Capacity))
	}
	if nc.Store.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("store.max_age must not be negative, got %s", nc.Store.MaxAge))
	}
	if nc.Query.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("query.default_timeout must not be negative, got %s", nc.Query.DefaultTimeout))
	}
	if nc.Query.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("query.max_concurrency must not be negative, got %d", nc.Query.MaxConcurrency))
	}
	m := nc.Membership
	if m.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("membership.heartbeat_interval must be positive, got %s", m.HeartbeatInterval))
	}
	if m.FailureTimeout > 0 && m.FailureTimeout <= m.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("membership.failure_timeout (%s) must exceed heartbeat_interval (%s)",
			m.FailureTimeout, m.HeartbeatInterval))
	}
	if nc.NATS.Embedded && (nc.NATS.EmbeddedPort < -1 || nc.NATS.EmbeddedPort > 65535) {
		errs = append(errs, fmt.Errorf("nats.embedded_port out of range: %d", nc.NATS.EmbeddedPort))
	}
	if strings.ContainsAny(nc.NATS.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("nats.subject_prefix %q contains a space or wildcard", nc.NATS.SubjectPrefix))
	}
	if _, err := observability.ParseLevel(nc.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(nc.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", nc.Log.Format))
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides settings from EVENTFABRIC_* variables, for example
// EVENTFABRIC_NATS_URL or EVENTFABRIC_STORE_MAX_AGE. Attributes are given as
// EVENTFABRIC_NODE_ATTRIBUTES=zone=a,rack=3 and replace the file's.
func (nc *NodeConfig) ApplyEnv() error {
	return nc.applyEnv(os.LookupEnv)
}

func (nc *NodeConfig) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	env := func(name string, set func(string) error) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		if err := set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		}
	}

	env("NODE_ID", str(&nc.Node.ID))
	env("NODE_ATTRIBUTES", func(v string) error {
		attrs, err := ParseAttributes(v)
		if err == nil {
			nc.Node.Attributes = attrs
		}
		return err
	})
	env("STORE_CAPACITY", integer(&nc.Store.Capacity))
	env("STORE_MAX_AGE", duration(&nc.Store.MaxAge))
	env("QUERY_DEFAULT_TIMEOUT", duration(&nc.Query.DefaultTimeout))
	env("QUERY_MAX_CONCURRENCY", integer(&nc.Query.MaxConcurrency))
	env("LISTENERS_AUTO_UNREGISTER", boolean(&nc.Listeners.AutoUnregister))
	env("MEMBERSHIP_HEARTBEAT_INTERVAL", duration(&nc.Membership.HeartbeatInterval))
	env("MEMBERSHIP_FAILURE_TIMEOUT", duration(&nc.Membership.FailureTimeout))
	env("MEMBERSHIP_SWEEP_INTERVAL", duration(&nc.Membership.SweepInterval))
	env("MEMBERSHIP_RECORD_METRIC_UPDATES", boolean(&nc.Membership.RecordMetricUpdates))
	env("NATS_URL", str(&nc.NATS.URL))
	env("NATS_SUBJECT_PREFIX", str(&nc.NATS.SubjectPrefix))
	env("NATS_EMBEDDED", boolean(&nc.NATS.Embedded))
	env("NATS_EMBEDDED_PORT", integer(&nc.NATS.EmbeddedPort))
	env("ARCHIVE_DSN", str(&nc.Archive.DSN))
	env("LOG_LEVEL", str(&nc.Log.Level))
	env("LOG_FORMAT", str(&nc.Log.Format))
	env("LOG_FILE", str(&nc.Log.File))
	env("METRICS_ADDR", str(&nc.Metrics.Addr))
	return errors.Join(errs...)
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// ParseAttributes parses "k=v,k2=v2".
func ParseAttributes(v string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", pair)
		}
		attrs[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return attrs, nil
}
