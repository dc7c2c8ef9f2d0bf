package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/config"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want time.Duration
	}{
		{"string", "250ms", 250 * time.Millisecond},
		{"bad string", "soon", time.Minute},
		{"int seconds", 3, 3 * time.Second},
		{"int64 seconds", int64(4), 4 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 2 * time.Hour, 2 * time.Hour},
		{"wrong type", true, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"d": tt.val})
			assert.Equal(t, tt.want, cfg.Duration("d", time.Minute))
		})
	}

	assert.Equal(t, time.Minute, config.New(nil).Duration("d", time.Minute))
}

func TestInt(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want int
	}{
		{"int", 7, 7},
		{"int64", int64(8), 8},
		{"whole float", 9.0, 9},
		{"fractional float", 9.5, -1},
		{"string", "9", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"n": tt.val})
			assert.Equal(t, tt.want, cfg.Int("n", -1))
		})
	}
}

func TestScalars(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":  "edge",
		"on":    true,
		"ratio": int64(2),
		"tags":  []any{"a", "b"},
		"mixed": []any{"a", 1},
	})

	assert.Equal(t, "edge", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("on", "x"))
	assert.True(t, cfg.Bool("on", false))
	assert.False(t, cfg.Bool("name", false))
	assert.Equal(t, 2.0, cfg.Float("ratio", 0))
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("tags", nil))
	assert.Equal(t, []string{"z"}, cfg.StringSlice("mixed", []string{"z"}))
	assert.True(t, cfg.Has("mixed"))
	assert.False(t, cfg.Has("missing"))
	assert.Equal(t, "fallback", cfg.Any("missing", "fallback"))
}

func TestSubAndStringMap(t *testing.T) {
	cfg := config.New(map[string]any{
		"node": map[string]any{
			"id":         "n-1",
			"attributes": map[string]any{"zone": "eu", "rack": 3, "ssd": true},
		},
		"legacy": map[any]any{"k": "v"},
		"scalar": "x",
	})

	node := cfg.Sub("node")
	assert.Equal(t, "n-1", node.String("id", ""))
	assert.Equal(t, map[string]string{"zone": "eu", "rack": "3", "ssd": "true"}, node.StringMap("attributes"))

	assert.Equal(t, "v", cfg.Sub("legacy").String("k", ""))
	assert.Empty(t, cfg.Sub("scalar").Raw())
	assert.Empty(t, cfg.Sub("missing").Raw())
	assert.Nil(t, node.StringMap("id"))
}

const yamlConfig = `
node:
  id: n-yaml
  attributes:
    zone: eu-1
    rack: 3
store:
  capacity: 500
  max_age: 1h
query:
  default_timeout: 2s
  max_concurrency: 4
membership:
  record_metric_updates: false
nats:
  url: nats://example:4222
log:
  level: debug
  format: json
`

const jsonConfig = `{
  "node": {"id": "n-json", "attributes": {"zone": "eu-1", "rack": 3}},
  "store": {"capacity": 500, "max_age": "1h"},
  "query": {"default_timeout": 2, "max_concurrency": 4},
  "membership": {"record_metric_updates": false},
  "nats": {"url": "nats://example:4222"},
  "log": {"level": "debug", "format": "json"}
}`

const tomlConfig = `
[node]
id = "n-toml"
attributes = { zone = "eu-1", rack = 3 }

[store]
capacity = 500
max_age = "1h"

[query]
default_timeout = "2s"
max_concurrency = 4

[membership]
record_metric_updates = false

[nats]
url = "nats://example:4222"

[log]
level = "debug"
format = "json"
`

func TestFromFile_Formats(t *testing.T) {
	tests := []struct {
		file    string
		content string
		id      string
	}{
		{"node.yaml", yamlConfig, "n-yaml"},
		{"node.yml", yamlConfig, "n-yaml"},
		{"node.json", jsonConfig, "n-json"},
		{"node.toml", tomlConfig, "n-toml"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := config.FromFile(path)
			require.NoError(t, err)

			nc := config.NodeFromConfig(cfg)
			assert.Equal(t, tt.id, nc.Node.ID)
			assert.Equal(t, map[string]string{"zone": "eu-1", "rack": "3"}, nc.Node.Attributes)
			assert.Equal(t, 500, nc.Store.Capacity)
			assert.Equal(t, time.Hour, nc.Store.MaxAge)
			assert.Equal(t, 2*time.Second, nc.Query.DefaultTimeout)
			assert.Equal(t, 4, nc.Query.MaxConcurrency)
			assert.False(t, nc.Membership.RecordMetricUpdates)
			assert.Equal(t, "nats://example:4222", nc.NATS.URL)
			assert.Equal(t, "debug", nc.Log.Level)
			assert.Equal(t, "json", nc.Log.Format)

			// Untouched sections keep their defaults.
			def := config.DefaultNodeConfig()
			assert.Equal(t, def.Membership.HeartbeatInterval, nc.Membership.HeartbeatInterval)
			assert.Equal(t, def.NATS.SubjectPrefix, nc.NATS.SubjectPrefix)
			require.NoError(t, nc.Validate())
		})
	}
}

func TestFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	ini := filepath.Join(dir, "node.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o600))
	_, err = config.FromFile(ini)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromTOML([]byte("[node\nid ="))
	assert.ErrorContains(t, err, "parse toml")
	_, err = config.FromYAML([]byte("node: [a"))
	assert.ErrorContains(t, err, "parse yaml")
	_, err = config.FromJSON([]byte("{"))
	assert.ErrorContains(t, err, "parse json")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.NodeConfig)
		want   []string
	}{
		{"defaults", func(*config.NodeConfig) {}, nil},
		{"negative capacity", func(c *config.NodeConfig) { c.Store.Capacity = -1 }, []string{"store.capacity"}},
		{"negative timeout", func(c *config.NodeConfig) { c.Query.DefaultTimeout = -time.Second }, []string{"query.default_timeout"}},
		{"failure before heartbeat", func(c *config.NodeConfig) {
			c.Membership.FailureTimeout = time.Second
			c.Membership.HeartbeatInterval = 2 * time.Second
		}, []string{"membership.failure_timeout"}},
		{"wildcard prefix", func(c *config.NodeConfig) { c.NATS.SubjectPrefix = "a.*" }, []string{"nats.subject_prefix"}},
		{"several", func(c *config.NodeConfig) {
			c.Log.Level = "loud"
			c.Log.Format = "xml"
			c.Query.MaxConcurrency = -2
		}, []string{"log.level", "log.format", "query.max_concurrency"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := config.DefaultNodeConfig()
			tt.mutate(&nc)
			err := nc.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("EVENTFABRIC_NODE_ID", "n-env")
	t.Setenv("EVENTFABRIC_NODE_ATTRIBUTES", "zone=us-2, rack=7")
	t.Setenv("EVENTFABRIC_STORE_MAX_AGE", "30m")
	t.Setenv("EVENTFABRIC_QUERY_MAX_CONCURRENCY", "3")
	t.Setenv("EVENTFABRIC_NATS_EMBEDDED", "true")
	t.Setenv("EVENTFABRIC_METRICS_ADDR", ":9464")

	nc := config.DefaultNodeConfig()
	require.NoError(t, nc.ApplyEnv())

	assert.Equal(t, "n-env", nc.Node.ID)
	assert.Equal(t, map[string]string{"zone": "us-2", "rack": "7"}, nc.Node.Attributes)
	assert.Equal(t, 30*time.Minute, nc.Store.MaxAge)
	assert.Equal(t, 3, nc.Query.MaxConcurrency)
	assert.True(t, nc.NATS.Embedded)
	assert.Equal(t, ":9464", nc.Metrics.Addr)
	assert.Equal(t, config.DefaultNodeConfig().Store.Capacity, nc.Store.Capacity)
}

func TestApplyEnv_Errors(t *testing.T) {
	t.Setenv("EVENTFABRIC_STORE_CAPACITY", "lots")
	t.Setenv("EVENTFABRIC_MEMBERSHIP_HEARTBEAT_INTERVAL", "often")
	t.Setenv("EVENTFABRIC_NODE_ATTRIBUTES", "zone")

	nc := config.DefaultNodeConfig()
	err := nc.ApplyEnv()
	require.Error(t, err)
	assert.ErrorContains(t, err, "EVENTFABRIC_STORE_CAPACITY")
	assert.ErrorContains(t, err, "EVENTFABRIC_MEMBERSHIP_HEARTBEAT_INTERVAL")
	assert.ErrorContains(t, err, "EVENTFABRIC_NODE_ATTRIBUTES")
}

func TestLoadNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))
	t.Setenv("EVENTFABRIC_NODE_ID", "n-override")

	nc, err := config.LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, "n-override", nc.Node.ID)
	assert.Equal(t, 500, nc.Store.Capacity)

	t.Setenv("EVENTFABRIC_LOG_LEVEL", "chatty")
	_, err = config.LoadNode(path)
	assert.ErrorContains(t, err, "log.level")

	_, err = config.LoadNode("")
	assert.ErrorContains(t, err, "log.level")
}
