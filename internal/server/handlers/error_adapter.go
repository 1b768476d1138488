package handlers

import (
	"net/http"

	apperrors "github.com/ecological-systems-design/gsa-dashboard/internal/errors"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder overrides how handlers render errors. Nil restores
// the default envelope writer.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default envelope writer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// NotFoundHandler renders NOT_FOUND for unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewNotFound("route not found: "+r.URL.Path))
}

// MethodNotAllowedHandler renders METHOD_NOT_ALLOWED.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewMethodNotAllowed("method "+r.Method+" not allowed on "+r.URL.Path))
}
