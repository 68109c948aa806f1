package api

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
)

// encodeCursor opaquely serializes a jobstore.Cursor for a list
// response's next_cursor field; decodeCursor is its inverse for the
// page query parameter. The Job Store paginates by (created_at, id)
// rather than a numeric page index (§4.2), so this surface exposes
// that cursor directly instead of the spec's "page" integer.
func encodeCursor(c *jobstore.Cursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAtUnixNano, 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (*jobstore.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, strconv.ErrSyntax
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}
	return &jobstore.Cursor{CreatedAtUnixNano: nanos, ID: parts[1]}, nil
}
