package model

import (
	"encoding/json"
	"time"
)

// JobType distinguishes a standalone prediction from the two halves of
// a batch submission.
type JobType string

const (
	JobTypeIndividual  JobType = "individual"
	JobTypeBatchParent JobType = "batch_parent"
	JobTypeBatchChild  JobType = "batch_child"
)

// Status is a job's position in its lifecycle. Transitions are
// monotonic: pending -> queued -> running -> {completed, failed,
// cancelled}, with cancelled reachable from any non-terminal status.
// partially_completed is a parent-only terminal status (§9 Open
// Question, resolved as a distinct value rather than an alias).
type Status string

const (
	StatusPending            Status = "pending"
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
	StatusPartiallyCompleted Status = "partially_completed"
)

// IsTerminal reports whether s is a status from which no further
// automatic transition occurs.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartiallyCompleted:
		return true
	default:
		return false
	}
}

// transitionRank orders non-terminal statuses for monotonicity checks.
var transitionRank = map[Status]int{
	StatusPending: 0,
	StatusQueued:  1,
	StatusRunning: 2,
}

// CanTransition reports whether moving from `from` to `to` is a legal
// status transition. Terminal states never transition further; from
// any non-terminal state, moving to cancelled is always legal;
// otherwise the rank must strictly increase.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fromRank, fromOK := transitionRank[from]
	toRank, toOK := transitionRank[to]
	if toOK {
		return fromOK && toRank > fromRank
	}
	// to is a terminal status other than cancelled: only running may
	// resolve directly to completed/failed/partially_completed.
	return from == StatusRunning
}

// SchemaVersion is stamped on every record the Job Store writes; reads
// do not check it, so a record of another version is accepted as is.
const SchemaVersion = 1

// JobError is the structured failure reason stored on a job when its
// status is failed.
type JobError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// OutputData is the small, bounded summary attached to a completed
// job. Large artifacts live in object storage; ResultsInObjectStore
// and ResultsObjectPath are set when the Job Store offloaded a payload that
// exceeded the inline size threshold.
type OutputData struct {
	Status               string          `json:"status"`
	Results              json.RawMessage `json:"results,omitempty"`
	GCSResultsPath        string          `json:"gcp_results_path,omitempty"`
	FilesStored           bool            `json:"files_stored"`
	ExecutionTimeSeconds   float64         `json:"execution_time_seconds,omitempty"`
	ModalCallID            string          `json:"modal_call_id,omitempty"`
	ResultsInObjectStore   bool            `json:"results_in_object_store,omitempty"`
	ResultsObjectPath      string          `json:"results_object_path,omitempty"`
	ResultsSizeBytes       int64           `json:"results_size_bytes,omitempty"`
}

// JobRecord is the unit of execution: an individual prediction, or one
// half of a batch parent/child pair.
type JobRecord struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	JobType       JobType   `json:"job_type"`
	TaskType      string    `json:"task_type"`
	ModelName     string    `json:"model_name"`
	Status        Status    `json:"status"`
	UserID        string    `json:"user_id"`
	JobName       string    `json:"job_name,omitempty"`
	Priority      string    `json:"priority,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	InputData  json.RawMessage `json:"input_data,omitempty"`
	OutputData *OutputData     `json:"output_data,omitempty"`

	BatchParentID *string        `json:"batch_parent_id,omitempty"`
	BatchIndex    *int           `json:"batch_index,omitempty"`
	BatchChildIDs []string       `json:"batch_child_ids,omitempty"`
	BatchProgress *BatchProgress `json:"batch_progress,omitempty"`

	DispatchReceipt string    `json:"dispatch_receipt,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	Error           *JobError `json:"error,omitempty"`
}

// IsBatchParent reports whether j is the aggregating half of a batch.
func (j *JobRecord) IsBatchParent() bool {
	return j.JobType == JobTypeBatchParent
}

// IsBatchChild reports whether j is an individual unit within a batch.
func (j *JobRecord) IsBatchChild() bool {
	return j.JobType == JobTypeBatchChild
}

// CanonicalPrefix returns the storage-gateway path prefix that owns
// this job's artifacts, per the layout in the data model.
func (j *JobRecord) CanonicalPrefix() string {
	if j.BatchParentID != nil {
		return "users/" + j.UserID + "/batches/" + *j.BatchParentID + "/jobs/" + j.ID
	}
	if j.IsBatchParent() {
		return "users/" + j.UserID + "/batches/" + j.ID
	}
	return "users/" + j.UserID + "/jobs/" + j.ID
}
