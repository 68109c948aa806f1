package storagegw

import "context"

// File is one item written or read through the gateway.
type File struct {
	Path        string
	Data        []byte
	ContentType string
}

// Gateway is the object-store abstraction every other component uses
// instead of talking to the backend directly; it is the only thing in
// the system permitted to construct a storage path.
type Gateway interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)

	// StoreJobResultAtomic writes an individual job's canonical
	// artifacts (results.json, metadata.json, and optionally
	// structure.cif) under prefix as a single atomic transaction.
	StoreJobResultAtomic(ctx context.Context, prefix string, files []File) error

	// CreateBatchAggregationAtomic replaces a batch's three aggregate
	// artifacts (aggregated.json, summary.json, batch_results.csv)
	// atomically.
	CreateBatchAggregationAtomic(ctx context.Context, prefix string, files []File) error

	// WriteResults and ReadResults satisfy jobstore.ObjectWriter for
	// large output_data offload.
	WriteResults(ctx context.Context, path string, data []byte) error
	ReadResults(ctx context.Context, path string) ([]byte, error)
}
