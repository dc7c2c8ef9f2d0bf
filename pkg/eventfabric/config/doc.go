/*
Package config loads node configuration.

# Files

FromFile reads YAML, JSON or TOML into a Config, a map with typed getters
that fall back to a default when a key is missing or mistyped. Sub descends
into a section:

	cfg, err := config.FromFile("node.toml")
	if err != nil {
	    return err
	}
	timeout := cfg.Sub("query").Duration("default_timeout", 5*time.Second)

Durations are strings such as "250ms" or a number of seconds.

# Node configuration

NodeFromConfig maps a file onto NodeConfig:

	[node]
	id = "n-edge01"
	attributes = { zone = "eu-1", role = "worker" }

	[store]
	capacity = 5000
	max_age = "1h"

	[query]
	default_timeout = "3s"

	[membership]
	heartbeat_interval = "2s"
	failure_timeout = "10s"

	[nats]
	url = "nats://127.0.0.1:4222"

	[archive]
	dsn = "sqlite:///var/lib/eventfabric/archive.db"

	[log]
	level = "debug"
	file = "/var/log/eventfabric.log"

	[metrics]
	addr = ":9464"

ApplyEnv then overrides individual settings from EVENTFABRIC_* variables
(EVENTFABRIC_NATS_URL, EVENTFABRIC_STORE_CAPACITY, ...). LoadNode does all
three steps and validates the result.
*/
package config
