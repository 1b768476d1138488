// Package apperrors classifies domain errors into HTTP statuses and codes
// and renders them as gofulmen error envelopes.
package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/manifest"
)

// Error codes carried in the envelope.
const (
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeJobAlreadyRunning    = "JOB_ALREADY_RUNNING"
	CodeRankingUnavailable   = "RANKING_UNAVAILABLE"
	CodeNotFound             = "NOT_FOUND"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeBadRequest           = "BAD_REQUEST"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON error body: {"error": <envelope>}.
type ErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// HTTPError is a classified error: the status and envelope code a domain
// error maps to.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// New returns an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

// WithDetails attaches details to the envelope.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

func NewNotFound(message string) *HTTPError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func NewMethodNotAllowed(message string) *HTTPError {
	return New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

func NewBadRequest(message string, err error) *HTTPError {
	e := New(http.StatusBadRequest, CodeBadRequest, message)
	e.Err = err
	return e
}

func NewServiceUnavailable(message string) *HTTPError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func NewInternal(message string) *HTTPError {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

// FromError classifies err. Unknown errors become INTERNAL_ERROR.
func FromError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var cfgErr *dashboard.ConfigurationError
	if errors.As(err, &cfgErr) {
		return New(http.StatusBadRequest, CodeInvalidConfiguration, err.Error()).
			WithDetails(map[string]any{"problems": cfgErr.Problems})
	}
	if errors.Is(err, manifest.ErrValidationFailed) {
		return New(http.StatusBadRequest, CodeInvalidConfiguration, err.Error())
	}

	var running *jobregistry.AlreadyRunningError
	if errors.As(err, &running) {
		return New(http.StatusConflict, CodeJobAlreadyRunning, err.Error()).
			WithDetails(map[string]any{"role": string(running.Role), "job_id": running.JobID})
	}

	switch {
	case errors.Is(err, dashboard.ErrNoRanking), errors.Is(err, dashboard.ErrPartialRankingDisabled):
		return New(http.StatusConflict, CodeRankingUnavailable, err.Error())
	case errors.Is(err, jobregistry.ErrJobNotFound), errors.Is(err, dashboard.ErrNoRun):
		return NewNotFound(err.Error())
	case errors.Is(err, jobregistry.ErrExecutorClosed):
		return NewServiceUnavailable(err.Error())
	}

	return NewInternal("internal server error")
}

// Envelope builds the wire envelope for e. requestID becomes the
// correlation id.
func (e *HTTPError) Envelope(path, requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message).
		WithCorrelationID(requestID).
		WithPath(path)
	if e.Details != nil {
		env = env.WithDetails(e.Details)
	}
	severity := gferrors.SeverityLow
	if e.Status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}
	env, _ = env.WithSeverity(severity)
	return env
}

// RespondWithError writes err as a JSON envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	e := FromError(err)
	path := ""
	if r != nil {
		path = r.URL.Path
	}
	WriteEnvelope(w, e.Status, e.Envelope(path, requestID(w, r)))
}

// WriteEnvelope writes env under the "error" key with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	WriteJSON(w, status, ErrorResponse{Error: env})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
