// Package jobstore wraps the document database holding job and batch
// records: creation, monotonic status updates, and the composite
// indexes the Submission API's list endpoints query against.
package jobstore

import (
	"context"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// ObjectWriter is the narrow slice of the Storage Gateway the Job
// Store needs for large-result offload: write the pointer target when
// output_data would serialize past the inline threshold, and read it
// back on demand during a Get.
type ObjectWriter interface {
	WriteResults(ctx context.Context, path string, data []byte) error
	ReadResults(ctx context.Context, path string) ([]byte, error)
}

// MaxInlineResultBytes is the §4.2 threshold: output_data payloads
// larger than this are offloaded to object storage and replaced by a
// pointer record.
const MaxInlineResultBytes = 900 * 1024

// MaxBatchGet is the largest id slice BatchGet accepts in one round
// trip.
const MaxBatchGet = 500

// Filter narrows a Query call. Zero-value fields are unfiltered.
type Filter struct {
	UserID  string
	Status  model.Status
	JobType model.JobType
}

// Cursor paginates Query results as a (created_at, id) tuple, encoded
// opaquely so callers round-trip it without inspecting it.
type Cursor struct {
	CreatedAtUnixNano int64
	ID                string
}

// Page is one page of a cursor-paginated query.
type Page struct {
	Jobs       []*model.JobRecord
	NextCursor *Cursor
}

// Store is the Job Store's public surface. All methods accept a
// context carrying the caller's deadline; I/O suspends there.
type Store interface {
	Create(ctx context.Context, job *model.JobRecord) error
	CreateBatch(ctx context.Context, parent *model.JobRecord, children []*model.JobRecord) error
	Update(ctx context.Context, jobID string, patch func(*model.JobRecord) error) (*model.JobRecord, error)
	Get(ctx context.Context, jobID string) (*model.JobRecord, error)
	BatchGet(ctx context.Context, ids []string) ([]*model.JobRecord, error)
	Query(ctx context.Context, filter Filter, cursor *Cursor, limit int) (*Page, error)
	GetBatchChildren(ctx context.Context, parentID string) ([]*model.JobRecord, error)
	Delete(ctx context.Context, jobID string) error
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*model.JobRecord, error)
	FindByDispatchReceipt(ctx context.Context, receipt string) (*model.JobRecord, error)
}
