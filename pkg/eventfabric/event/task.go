package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Payload keys used by task and job records.
const (
	AttrTaskName  = "task_name"
	AttrSessionID = "session_id"
	AttrJobID     = "job_id"
	AttrPeerID    = "peer_id"
)

// Occurrence is a record waiting to be stamped with a node and a sequence.
type Occurrence struct {
	Type Type
	Opts []Option
}

// TaskExecution returns the occurrences one successful run of a task with
// the given number of jobs produces, in the order they happen: the task
// starts, each job is mapped, started and finished, and the results are
// reduced before the task finishes.
//
// An empty sessionID gets a generated one.
func TaskExecution(taskName, sessionID string, jobs int) []Occurrence {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	base := []Option{
		WithAttr(AttrTaskName, taskName),
		WithAttr(AttrSessionID, sessionID),
	}
	with := func(extra ...Option) []Option {
		return append(append([]Option(nil), base...), extra...)
	}

	occ := []Occurrence{{
		Type: TaskStarted,
		Opts: with(WithMessage(fmt.Sprintf("task started: %s", taskName))),
	}}
	for i := range jobs {
		jobID := fmt.Sprintf("%s-job-%d", sessionID, i)
		for _, t := range []Type{JobMapped, JobStarted, JobFinished} {
			occ = append(occ, Occurrence{Type: t, Opts: with(WithAttr(AttrJobID, jobID))})
		}
	}
	occ = append(occ,
		Occurrence{Type: TaskReduced, Opts: with()},
		Occurrence{Type: TaskFinished, Opts: with(WithMessage(fmt.Sprintf("task finished: %s", taskName)))},
	)
	return occ
}
