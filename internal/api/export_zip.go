package api

import (
	"archive/zip"
	"bytes"
	"context"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// buildZipExport bundles a batch's three aggregate artifacts and every
// completed child's results.json into a single zip archive. No pack
// dependency provides zip-container archiving (klauspost/compress only
// covers flate/gzip/zstd streams), so this is the one place the API
// package reaches for the standard library instead of a corpus import.
func (h *Handler) buildZipExport(ctx context.Context, parent *model.JobRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	resultsPrefix := parent.CanonicalPrefix() + "/results"
	for _, name := range []string{"aggregated.json", "summary.json", "batch_results.csv"} {
		data, err := h.gw.Download(ctx, resultsPrefix+"/"+name)
		if err != nil {
			continue
		}
		if err := writeZipEntry(zw, name, data); err != nil {
			return nil, err
		}
	}

	children, err := h.store.GetBatchChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Status != model.StatusCompleted {
			continue
		}
		data, err := h.gw.Download(ctx, child.CanonicalPrefix()+"/results.json")
		if err != nil {
			continue
		}
		if err := writeZipEntry(zw, child.ID+"/results.json", data); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
