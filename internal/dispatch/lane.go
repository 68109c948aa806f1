package dispatch

import "github.com/omtx-labs/gpu-orchestrator/internal/model"

// Lane is one of the two dispatch queues described in §4.6.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneBulk        Lane = "bulk"
)

// LaneFor routes individual jobs and priority=high batch parents to
// the interactive lane; everything else, including every batch child
// regardless of the parent's priority, goes to the bulk lane.
func LaneFor(job *model.JobRecord) Lane {
	if job.IsBatchChild() {
		return LaneBulk
	}
	if job.JobType == model.JobTypeIndividual {
		return LaneInteractive
	}
	if job.IsBatchParent() && job.Priority == "high" {
		return LaneInteractive
	}
	return LaneBulk
}
