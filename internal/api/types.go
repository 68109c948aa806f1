package api

import (
	"encoding/json"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// PredictRequest is the body of POST /api/v1/predict.
type PredictRequest struct {
	Model           string          `json:"model"`
	ProteinSequence string          `json:"protein_sequence"`
	LigandSMILES    string          `json:"ligand_smiles,omitempty"`
	LigandName      string          `json:"ligand_name,omitempty"`
	JobName         string          `json:"job_name,omitempty"`
	UserID          string          `json:"user_id"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// BatchLigand is one entry in a batch submission's ligand list.
type BatchLigand struct {
	Name   string `json:"name"`
	SMILES string `json:"smiles"`
}

// BatchPredictRequest is the body of POST /api/v1/predict/batch.
type BatchPredictRequest struct {
	Model           string          `json:"model"`
	ProteinSequence string          `json:"protein_sequence"`
	Ligands         []BatchLigand   `json:"ligands"`
	BatchName       string          `json:"batch_name,omitempty"`
	UserID          string          `json:"user_id"`
	MaxConcurrent   int             `json:"max_concurrent,omitempty"`
	Priority        string          `json:"priority,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// JobResponse is returned for every single-job read (submit, get,
// list entries). DownloadLinks is only populated once the job is
// terminal and completed.
type JobResponse struct {
	JobID         string             `json:"job_id"`
	JobType       model.JobType      `json:"job_type"`
	Status        model.Status       `json:"status"`
	ModelName     string             `json:"model,omitempty"`
	TaskType      string             `json:"task_type,omitempty"`
	JobName       string             `json:"job_name,omitempty"`
	UserID        string             `json:"user_id"`
	Priority      string             `json:"priority,omitempty"`
	BatchID       string             `json:"batch_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Error         *model.JobError    `json:"error,omitempty"`
	Results       json.RawMessage    `json:"results,omitempty"`
	DownloadLinks map[string]string  `json:"download_links,omitempty"`
}

// JobListResponse is the page body for GET /api/v1/jobs.
type JobListResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// BatchResponse is returned for batch submit, get, and list entries.
type BatchResponse struct {
	BatchID       string               `json:"batch_id"`
	Status        model.Status         `json:"status"`
	JobName       string               `json:"job_name,omitempty"`
	UserID        string               `json:"user_id"`
	ChildIDs      []string             `json:"child_ids,omitempty"`
	Progress      *model.BatchProgress `json:"progress,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	ExportLinks   map[string]string    `json:"export_links,omitempty"`
}

// BatchListResponse is the page body for GET /api/v1/batches.
type BatchListResponse struct {
	Batches    []BatchResponse `json:"batches"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// SystemStatusResponse is the body of GET /api/v1/system/status.
type SystemStatusResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Statistics map[string]int64  `json:"statistics"`
	APIVersion string            `json:"api_version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	JobID   string `json:"job_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
}
