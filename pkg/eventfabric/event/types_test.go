package event_test

import (
	"testing"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/stretchr/testify/assert"
)

func TestTypeGroups(t *testing.T) {
	assert.Len(t, event.AllTypes, len(event.TaskTypes)+len(event.JobTypes)+
		len(event.DiscoveryTypes)+len(event.CheckpointTypes))
	assert.Len(t, event.AllMinusMetricUpdate, len(event.AllTypes)-1)
	assert.NotContains(t, event.AllMinusMetricUpdate, event.NodeMetricsUpdated)
	assert.Contains(t, event.AllMinusMetricUpdate, event.NodeFailed)
}

func TestType_Category(t *testing.T) {
	assert.Equal(t, "task", event.TaskSessionAttrSet.Category())
	assert.Equal(t, "node", event.NodeLeft.Category())
	assert.Equal(t, "custom", event.Type("custom").Category())
}

func TestParseTypes(t *testing.T) {
	assert.Equal(t, event.TaskTypes, event.ParseTypes("task"))
	assert.Equal(t,
		[]event.Type{event.NodeLeft, event.Type("app.deployed")},
		event.ParseTypes("node.left", " ", "app.deployed", "node.left"))
	assert.Equal(t, event.AllMinusMetricUpdate, event.ParseTypes("all-minus-metric-update"))
}

func TestTaskExecution(t *testing.T) {
	occ := event.TaskExecution("wordcount", "s-1", 2)

	var types []event.Type
	for _, o := range occ {
		types = append(types, o.Type)
	}
	assert.Equal(t, []event.Type{
		event.TaskStarted,
		event.JobMapped, event.JobStarted, event.JobFinished,
		event.JobMapped, event.JobStarted, event.JobFinished,
		event.TaskReduced,
		event.TaskFinished,
	}, types)

	rec := event.New(occ[1].Type, "n-1", occ[1].Opts...)
	assert.Equal(t, "wordcount", rec.String(event.AttrTaskName))
	assert.Equal(t, "s-1", rec.String(event.AttrSessionID))
	assert.Equal(t, "s-1-job-0", rec.String(event.AttrJobID))
}

func TestRecord_CloneDoesNotSharePayload(t *testing.T) {
	rec := event.New(event.TaskStarted, "n-1", event.WithAttr("k", "v"))
	c := rec.Clone()
	c.Payload["k"] = "changed"
	assert.Equal(t, "v", rec.String("k"))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
}
