package model

import "encoding/json"

// CompletionStatus is the worker-reported outcome of a dispatched
// task.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailed  CompletionStatus = "failed"
)

// CompletionEvent is the normalized payload delivered by a GPU worker
// to the completion webhook, after parsing but before it has been
// fanned out to the job store, storage gateway, and aggregator.
type CompletionEvent struct {
	ModalCallID          string           `json:"modal_call_id"`
	JobID                string           `json:"job_id"`
	Status               CompletionStatus `json:"status"`
	Result               json.RawMessage  `json:"result,omitempty"`
	Error                *JobError        `json:"error,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds,omitempty"`
	StructureCIF         []byte           `json:"-"`
}

// PredictionResult is the structured shape expected inside a
// successful CompletionEvent's Result field.
type PredictionResult struct {
	Affinity     float64 `json:"affinity"`
	Confidence   float64 `json:"confidence"`
	PTMScore     float64 `json:"ptm_score"`
	IPTMScore    float64 `json:"iptm_score"`
	PLDDTScore   float64 `json:"plddt_score"`
	LigandName   string  `json:"ligand_name"`
	ProteinName  string  `json:"protein_name"`
}
