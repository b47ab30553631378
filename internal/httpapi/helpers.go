package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seqlab/conveyor/pkg/schema"
)

// maxBodyBytes caps submission payload size.
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps an error's code to an HTTP status and writes the
// structured error body.
func writeError(w http.ResponseWriter, err error) {
	var cerr *schema.ConveyorError
	if !errors.As(err, &cerr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": errorBody{Code: schema.ErrCodeStore, Message: err.Error()},
		})
		return
	}
	writeJSON(w, statusFor(cerr.Code), map[string]any{
		"error": errorBody{Code: cerr.Code, Message: cerr.Message, Details: cerr.Details},
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeDanglingReference,
		schema.ErrCodeMalformedExpression, schema.ErrCodeUnresolvedVariable:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads a size-capped request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
