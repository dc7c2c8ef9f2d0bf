package event

import "strings"

// Type identifies the kind of occurrence a record describes.
type Type string

// Task lifecycle.
const (
	TaskStarted        Type = "task.started"
	TaskFinished       Type = "task.finished"
	TaskFailed         Type = "task.failed"
	TaskTimedOut       Type = "task.timedout"
	TaskSessionAttrSet Type = "task.session.attr.set"
	TaskReduced        Type = "task.reduced"
)

// Job lifecycle.
const (
	JobMapped       Type = "job.mapped"
	JobResultCached Type = "job.result.cached"
	JobStarted      Type = "job.started"
	JobFinished     Type = "job.finished"
	JobFailed       Type = "job.failed"
	JobCancelled    Type = "job.cancelled"
	JobRejected     Type = "job.rejected"
	JobQueued       Type = "job.queued"
	JobTimedOut     Type = "job.timedout"
)

// Topology and discovery.
const (
	NodeJoined         Type = "node.joined"
	NodeLeft           Type = "node.left"
	NodeFailed         Type = "node.failed"
	NodeMetricsUpdated Type = "node.metrics.updated"
	NodeSegmented      Type = "node.segmented"
	NodeReconnected    Type = "node.reconnected"
)

// Checkpoints.
const (
	CheckpointSaved   Type = "checkpoint.saved"
	CheckpointLoaded  Type = "checkpoint.loaded"
	CheckpointRemoved Type = "checkpoint.removed"
)

// Groups of related types, suitable for listener subscriptions.
var (
	TaskTypes = []Type{
		TaskStarted, TaskFinished, TaskFailed, TaskTimedOut, TaskSessionAttrSet, TaskReduced,
	}

	JobTypes = []Type{
		JobMapped, JobResultCached, JobStarted, JobFinished, JobFailed,
		JobCancelled, JobRejected, JobQueued, JobTimedOut,
	}

	DiscoveryTypes = []Type{
		NodeJoined, NodeLeft, NodeFailed, NodeMetricsUpdated, NodeSegmented, NodeReconnected,
	}

	CheckpointTypes = []Type{
		CheckpointSaved, CheckpointLoaded, CheckpointRemoved,
	}

	// AllTypes is every type defined by this package.
	AllTypes = Union(TaskTypes, JobTypes, DiscoveryTypes, CheckpointTypes)

	// AllMinusMetricUpdate is AllTypes without NodeMetricsUpdated, which is
	// recorded on every heartbeat and usually drowns everything else.
	AllMinusMetricUpdate = Without(AllTypes, NodeMetricsUpdated)
)

// Union concatenates type groups, dropping duplicates and keeping first
// occurrence order.
func Union(groups ...[]Type) []Type {
	seen := make(map[Type]struct{})
	var out []Type
	for _, g := range groups {
		for _, t := range g {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// Without returns types minus the excluded ones.
func Without(types []Type, exclude ...Type) []Type {
	out := make([]Type, 0, len(types))
outer:
	for _, t := range types {
		for _, x := range exclude {
			if t == x {
				continue outer
			}
		}
		out = append(out, t)
	}
	return out
}

// Category returns the leading segment of the type ("task", "job", "node").
func (t Type) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// ParseTypes converts names to types. Group names ("task", "job", "node",
// "checkpoint", "all", "all-minus-metric-update") expand to their group.
func ParseTypes(names ...string) []Type {
	var groups [][]Type
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "task":
			groups = append(groups, TaskTypes)
		case "job":
			groups = append(groups, JobTypes)
		case "node", "discovery":
			groups = append(groups, DiscoveryTypes)
		case "checkpoint":
			groups = append(groups, CheckpointTypes)
		case "all":
			groups = append(groups, AllTypes)
		case "all-minus-metric-update":
			groups = append(groups, AllMinusMetricUpdate)
		default:
			groups = append(groups, []Type{Type(name)})
		}
	}
	return Union(groups...)
}
