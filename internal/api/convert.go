package api

import (
	"fmt"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

func jobResponse(job *model.JobRecord) JobResponse {
	resp := JobResponse{
		JobID:     job.ID,
		JobType:   job.JobType,
		Status:    job.Status,
		ModelName: job.ModelName,
		TaskType:  job.TaskType,
		JobName:   job.JobName,
		UserID:    job.UserID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		StartedAt: job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.BatchParentID != nil {
		resp.BatchID = *job.BatchParentID
	}
	if job.Error != nil {
		resp.Error = job.Error
	}
	if job.OutputData != nil {
		resp.Results = job.OutputData.Results
	}
	if job.Status == model.StatusCompleted {
		resp.DownloadLinks = map[string]string{
			"json": fmt.Sprintf("/api/v1/jobs/%s/files/json", job.ID),
			"cif":  fmt.Sprintf("/api/v1/jobs/%s/files/cif", job.ID),
		}
	}
	return resp
}

func batchResponse(parent *model.JobRecord) BatchResponse {
	resp := BatchResponse{
		BatchID:   parent.ID,
		Status:    parent.Status,
		JobName:   parent.JobName,
		UserID:    parent.UserID,
		ChildIDs:  parent.BatchChildIDs,
		Progress:  parent.BatchProgress,
		CreatedAt: parent.CreatedAt,
		UpdatedAt: parent.UpdatedAt,
	}
	if parent.Status.IsTerminal() {
		resp.ExportLinks = map[string]string{
			"csv":  fmt.Sprintf("/api/v1/batches/%s/export?format=csv", parent.ID),
			"json": fmt.Sprintf("/api/v1/batches/%s/export?format=json", parent.ID),
			"zip":  fmt.Sprintf("/api/v1/batches/%s/export?format=zip", parent.ID),
		}
	}
	return resp
}
