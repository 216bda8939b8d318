package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowrun/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

// writeEngineError maps err to a status code and writes it.
func writeEngineError(w http.ResponseWriter, err error) {
	ee := schema.AsEngineError(err, schema.ErrCodeStore)
	writeError(w, statusFor(ee.Code), ee.Code, ee.Message)
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConfiguration:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readBody returns the request body as raw JSON. An empty body is nil.
func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("body too large")
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("body is not valid JSON")
	}
	return data, nil
}

// decodeBody decodes the request body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil || raw == nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
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
