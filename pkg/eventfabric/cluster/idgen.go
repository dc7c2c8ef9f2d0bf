package cluster

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// NodeIDPrefix is prepended to generated node IDs.
const NodeIDPrefix = "n-"

const (
	nodeIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	nodeIDLength   = 8
)

// NewNodeID returns a short random node ID such as "n-4f2a9c1d".
func NewNodeID() (string, error) {
	return NewNodeIDWithPrefix(NodeIDPrefix)
}

// NewNodeIDWithPrefix returns a random node ID with the given prefix.
func NewNodeIDWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(nodeIDAlphabet, nodeIDLength)
	if err != nil {
		return "", fmt.Errorf("cluster: generate node id: %w", err)
	}
	return prefix + id, nil
}
