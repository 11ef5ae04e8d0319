package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/internal/resource"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/internal/trash"
	"github.com/rs/zerolog/log"
)

// errBadRequest marks malformed input found by a handler.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string][]string{"errors": {msg}})
}

// writeDomainError maps component errors onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, policy.ErrConfig),
		errors.Is(err, acl.ErrInvalidDecision),
		errors.Is(err, resource.ErrEmptyUpdate):
		return http.StatusBadRequest
	case errors.Is(err, trash.ErrPolicy),
		errors.Is(err, resource.ErrAllocationDenied):
		return http.StatusForbidden
	case errors.Is(err, acl.ErrNotFound),
		errors.Is(err, trash.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, acl.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, resource.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
