package jobstore

// keyNamespace builds the Redis key layout backing the Job Store's
// composite indexes: (user_id, created_at), (status, created_at),
// (user_id, status, created_at), (batch_parent_id, batch_index),
// (user_id, job_type, created_at).
type keyNamespace struct{}

func (keyNamespace) job(id string) string {
	return "job:" + id
}

func (keyNamespace) userJobs(userID string) string {
	return "user_jobs:" + userID
}

func (keyNamespace) statusJobs(status string) string {
	return "status_jobs:" + status
}

func (keyNamespace) userStatusJobs(userID, status string) string {
	return "user_status_jobs:" + userID + ":" + status
}

func (keyNamespace) userTypeJobs(userID, jobType string) string {
	return "user_type_jobs:" + userID + ":" + jobType
}

func (keyNamespace) batchChildren(parentID string) string {
	return "batch_children:" + parentID
}

func (keyNamespace) modalCallIndex(receiptID string) string {
	return "modal_call:" + receiptID
}

func (keyNamespace) idempotency(userID, key string) string {
	return "idem:" + userID + ":" + key
}

var keys = keyNamespace{}
