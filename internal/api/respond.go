package api

import (
	"encoding/json"
	"net/http"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError maps a structured model.Error onto the HTTP status its
// Kind implies and writes the error body. Any other error is treated
// as an opaque internal failure.
func writeAPIError(w http.ResponseWriter, err error) {
	var me *model.Error
	kind := model.KindOf(err)
	if asErr, ok := err.(*model.Error); ok {
		me = asErr
	}

	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}
	if me != nil {
		resp.JobID = me.JobID
		resp.BatchID = me.BatchID
	}
	writeJSON(w, statusForKind(kind), resp)
}

func statusForKind(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindQuotaExceeded:
		return http.StatusForbidden
	case model.KindAuth:
		return http.StatusUnauthorized
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindConflict:
		return http.StatusConflict
	case model.KindDispatchFailed, model.KindStorageUnavailable, model.KindDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
