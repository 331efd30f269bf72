package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/odvcencio/termgate/pkg/controller"
	"github.com/odvcencio/termgate/pkg/override"
	"github.com/odvcencio/termgate/pkg/policy"
	"github.com/odvcencio/termgate/pkg/shell"
)

const maxBodyBytes int64 = 256 << 10

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// errorBody is the wire shape of every error response. Field carries the
// first failed validation requirement; Fields carries all of them when a
// request violates more than one.
type errorBody struct {
	Error      string   `json:"error"`
	Status     int      `json:"status"`
	Code       string   `json:"code,omitempty"`
	Field      string   `json:"field,omitempty"`
	Fields     []string `json:"fields,omitempty"`
	Bucket     string   `json:"bucket,omitempty"`
	RetryAfter int      `json:"retry_after_seconds,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// respondError maps a domain error to its HTTP status and sends a
// structured JSON error response.
func respondError(w http.ResponseWriter, err error) {
	respondErrorStatus(w, statusForError(err), err)
}

func respondErrorStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	body := errorBody{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		body.Error = err.Error()
	} else {
		body.Error = http.StatusText(status)
	}
	body.Code, body.Field, body.Bucket, body.RetryAfter = errorDetails(err)
	body.Fields = validationFields(err)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

// statusForError translates domain errors into HTTP status codes.
func statusForError(err error) int {
	var (
		verr   *override.ValidationError
		rlErr  *override.RateLimitError
		perr   *controller.PermissionError
		ierr   *shell.InteractiveError
		fatal  *shell.FatalError
		cfgErr *policy.ConfigError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr), errors.As(err, &ierr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests
	case errors.As(err, &perr), errors.Is(err, controller.ErrOverrideNotRequired):
		return http.StatusForbidden
	case errors.Is(err, shell.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, shell.ErrTerminated), errors.As(err, &fatal):
		return http.StatusBadGateway
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) (code, field, bucket string, retryAfter int) {
	var verr *override.ValidationError
	if errors.As(err, &verr) {
		return "validation_error", verr.Field, "", 0
	}
	var rlErr *override.RateLimitError
	if errors.As(err, &rlErr) {
		secs := int(rlErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return "rate_limit_exceeded", "", "", secs
	}
	var perr *controller.PermissionError
	if errors.As(err, &perr) {
		return "permission_denied", "", string(perr.Bucket), 0
	}
	if errors.Is(err, controller.ErrOverrideNotRequired) {
		return "override_not_required", "", string(policy.BucketAllow), 0
	}
	if errors.Is(err, shell.ErrBusy) {
		return "session_busy", "", "", 0
	}
	var ierr *shell.InteractiveError
	if errors.As(err, &ierr) {
		return "interactive_command", "", "", 0
	}
	var fatal *shell.FatalError
	if errors.As(err, &fatal) {
		return "shell_fatal", "", "", 0
	}
	if errors.Is(err, shell.ErrTerminated) {
		return "shell_terminated", "", "", 0
	}
	var cfgErr *policy.ConfigError
	if errors.As(err, &cfgErr) {
		return "policy_config_error", "", "", 0
	}
	return "", "", "", 0
}

// validationFields walks the error tree (validation failures are joined, so
// errors.As alone surfaces only the first) and collects every failed field.
func validationFields(err error) []string {
	var fields []string
	var visit func(error)
	visit = func(e error) {
		if e == nil {
			return
		}
		if verr, ok := e.(*override.ValidationError); ok {
			fields = append(fields, verr.Field)
			return
		}
		switch unwrapped := e.(type) {
		case interface{ Unwrap() []error }:
			for _, sub := range unwrapped.Unwrap() {
				visit(sub)
			}
		case interface{ Unwrap() error }:
			visit(unwrapped.Unwrap())
		}
	}
	visit(err)
	return fields
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large (max %d bytes)", maxBodyBytes)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
