// Package storagegw wraps the object store: the canonical artifact
// path schema and the temp-prefix-then-copy atomic write protocol
// every other component relies on instead of constructing paths
// itself.
package storagegw

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// canonicalPatterns enumerates every path shape the gateway accepts a
// write or read for. A write outside this schema is refused before it
// ever reaches the backend.
var canonicalPatterns = []string{
	"users/*/jobs/*/results.json",
	"users/*/jobs/*/structure.cif",
	"users/*/jobs/*/metadata.json",
	"users/*/batches/*/batch_metadata.json",
	"users/*/batches/*/jobs/*/results.json",
	"users/*/batches/*/jobs/*/structure.cif",
	"users/*/batches/*/jobs/*/metadata.json",
	"users/*/batches/*/results/aggregated.json",
	"users/*/batches/*/results/summary.json",
	"users/*/batches/*/batch_results.csv",
	"temp/*/**",
	"index/jobs/*.json",
}

// compressibleNames are the filenames transparently gzip-compressed
// when they exceed 1 KiB (§4.3).
var compressibleNames = map[string]bool{
	"results.json":      true,
	"batch_results.json": true,
	"structure.cif":      true,
}

// ValidatePath reports whether path matches one of the gateway's
// canonical shapes.
func ValidatePath(path string) bool {
	for _, pattern := range canonicalPatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// IsCompressible reports whether the file named by path is eligible
// for transparent gzip compression.
func IsCompressible(path string) bool {
	parts := strings.Split(path, "/")
	name := parts[len(parts)-1]
	return compressibleNames[name]
}

// TempPath returns the scratch location a transaction writes file
// into before it is copied to its canonical destination.
func TempPath(txnID, relPath string) string {
	return "temp/" + txnID + "/" + relPath
}
