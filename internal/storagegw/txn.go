package storagegw

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// backend is the low-level object-store operations a Gateway
// implementation must supply; the atomic transaction protocol is
// written once against this interface and shared by every backend.
type backend interface {
	put(ctx context.Context, path string, data []byte, contentType string) error
	get(ctx context.Context, path string) ([]byte, error)
	copy(ctx context.Context, src, dst string) error
	del(ctx context.Context, path string) error
	exists(ctx context.Context, path string) (bool, error)
}

// destFile pairs a file to write with its final canonical path.
type destFile struct {
	File
	destPath string
}

// runAtomicWrite implements the §4.3 atomic write protocol: every
// file is first written under temp/{txn_id}/..., validated, then
// copied to its canonical destination (the backend's server-side copy
// is the commit point), and the temp objects are deleted. Any failure
// before every file has been copied rolls back every temp and
// canonical object this transaction touched.
func runAtomicWrite(ctx context.Context, b backend, files []destFile) error {
	txnID := uuid.New().String()
	written := make([]destFile, 0, len(files))
	tempPaths := make([]string, 0, len(files))

	rollback := func() {
		for _, tp := range tempPaths {
			_ = b.del(ctx, tp)
		}
		for _, f := range written {
			_ = b.del(ctx, f.destPath)
		}
	}

	for i, f := range files {
		data := f.Data
		contentType := f.ContentType
		if IsCompressible(f.destPath) && len(data) > 1024 {
			compressed, err := gzipCompress(data)
			if err != nil {
				rollback()
				return fmt.Errorf("compressing %s: %w", f.destPath, err)
			}
			data = compressed
			contentType = "application/gzip"
		}

		temp := TempPath(txnID, fmt.Sprintf("%d", i))
		if err := b.put(ctx, temp, data, contentType); err != nil {
			rollback()
			return fmt.Errorf("staging %s: %w", f.destPath, err)
		}
		tempPaths = append(tempPaths, temp)

		if len(data) == 0 {
			rollback()
			return fmt.Errorf("refusing to commit empty file %s", f.destPath)
		}
		ok, err := b.exists(ctx, temp)
		if err != nil || !ok {
			rollback()
			return fmt.Errorf("staged file %s missing before commit", f.destPath)
		}
	}

	for i, f := range files {
		if err := b.copy(ctx, tempPaths[i], f.destPath); err != nil {
			rollback()
			return fmt.Errorf("committing %s: %w", f.destPath, err)
		}
		written = append(written, f)
	}

	for _, tp := range tempPaths {
		_ = b.del(ctx, tp)
	}
	return nil
}
