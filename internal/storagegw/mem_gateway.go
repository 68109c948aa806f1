package storagegw

import (
	"context"
	"sync"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

var (
	_ Gateway = (*MemGateway)(nil)
	_ backend = (*MemGateway)(nil)
)

// MemGateway is an in-process Gateway backed by a map, used by tests
// across the module in place of a real object store.
type MemGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemGateway builds an empty in-memory Gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{objects: make(map[string][]byte)}
}

func (g *MemGateway) put(_ context.Context, path string, data []byte, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	g.objects[path] = cp
	return nil
}

func (g *MemGateway) get(_ context.Context, path string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.objects[path]
	if !ok {
		return nil, model.NewNotFoundError("object not found: " + path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (g *MemGateway) copy(ctx context.Context, src, dst string) error {
	data, err := g.get(ctx, src)
	if err != nil {
		return err
	}
	return g.put(ctx, dst, data, "")
}

func (g *MemGateway) del(_ context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.objects, path)
	return nil
}

func (g *MemGateway) exists(_ context.Context, path string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.objects[path]
	return ok, nil
}

func (g *MemGateway) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if !ValidatePath(path) {
		return model.NewError(model.KindValidation, "path outside the canonical storage schema")
	}
	return g.put(ctx, path, data, contentType)
}

func (g *MemGateway) Download(ctx context.Context, path string) ([]byte, error) {
	return g.get(ctx, path)
}

func (g *MemGateway) Copy(ctx context.Context, src, dst string) error {
	if !ValidatePath(dst) {
		return model.NewError(model.KindValidation, "destination outside the canonical storage schema")
	}
	return g.copy(ctx, src, dst)
}

func (g *MemGateway) Delete(ctx context.Context, path string) error {
	return g.del(ctx, path)
}

func (g *MemGateway) Exists(ctx context.Context, path string) (bool, error) {
	return g.exists(ctx, path)
}

func (g *MemGateway) StoreJobResultAtomic(ctx context.Context, prefix string, files []File) error {
	return g.atomic(ctx, prefix, files)
}

func (g *MemGateway) CreateBatchAggregationAtomic(ctx context.Context, prefix string, files []File) error {
	return g.atomic(ctx, prefix, files)
}

func (g *MemGateway) atomic(ctx context.Context, prefix string, files []File) error {
	dest := make([]destFile, len(files))
	for i, f := range files {
		path := prefix + "/" + f.Path
		if !ValidatePath(path) {
			return model.NewError(model.KindValidation, "path outside the canonical storage schema")
		}
		dest[i] = destFile{File: File{Path: f.Path, Data: f.Data, ContentType: f.ContentType}, destPath: path}
	}
	return runAtomicWrite(ctx, g, dest)
}

func (g *MemGateway) WriteResults(ctx context.Context, path string, data []byte) error {
	return g.Upload(ctx, path, data, "application/json")
}

func (g *MemGateway) ReadResults(ctx context.Context, path string) ([]byte, error) {
	return g.Download(ctx, path)
}
