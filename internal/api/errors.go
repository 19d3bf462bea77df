package api

import (
	"encoding/json"
	"net/http"
)

// Error texts returned to reporting clients. Existing clients match on them.
const (
	msgIncompleteParams = "参数不完整"
	msgUnsupportedType  = "不支持的设备类型"
	msgInternal         = "internal server error"
)

// Result is the body of every write endpoint
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and payload
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, Result{Success: true})
}

// writeFailure writes {success:false, error:msg}
func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Result{Success: false, Error: msg})
}
