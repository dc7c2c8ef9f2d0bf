package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/config"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
)

// loadConfig reads the config file, the environment and the global flags,
// in increasing precedence.
func loadConfig(g *GlobalFlags) (config.NodeConfig, error) {
	cfg, err := config.LoadNode(g.ConfigPath)
	if err != nil {
		return config.NodeConfig{}, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.LogFile != "" {
		cfg.Log.File = g.LogFile
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.NodeConfig) (*slog.Logger, io.Closer, error) {
	logger, closer, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return logger, closer, nil
}

// buildFilter combines --type and --expr. Neither matches everything.
func buildFilter(types []string, expr string) (event.Filter, error) {
	var parts []event.Filter
	if ts := event.ParseTypes(types...); len(ts) > 0 {
		parts = append(parts, event.OfType(ts...))
	}
	if strings.TrimSpace(expr) != "" {
		f, err := event.Where(expr)
		if err != nil {
			return nil, fmt.Errorf("--expr: %w", err)
		}
		parts = append(parts, f)
	}
	switch len(parts) {
	case 0:
		return event.All(), nil
	case 1:
		return parts[0], nil
	default:
		return event.And(parts...), nil
	}
}

// printer writes one JSON document per line. It is safe for concurrent use.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(v)
}
