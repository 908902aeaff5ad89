package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentrt/agentd/internal/control/http/problem"
	"github.com/agentrt/agentd/internal/kernel/kernelerr"
	"github.com/agentrt/agentd/internal/log"
)

// writeJSON encodes v as the response body with the given status. Headers
// are already sent by the time Encode can fail, so a failure is logged, not
// surfaced to the client.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Error().Err(err).Int("status", status).Msg("httpapi: failed to encode JSON response")
	}
}

// writeKernelError classifies err and renders it as an RFC 7807 problem+json
// body, per spec.md §7. An unclassified error is reported as Internal with
// its detail withheld from the response (it is already in the server log
// via the caller).
func writeKernelError(w http.ResponseWriter, r *http.Request, err error) {
	ke, tagged := kernelerr.Classify(err)
	detail := ke.Message
	if !tagged {
		log.L().Error().Err(err).Str("path", r.URL.Path).Msg("httpapi: internal error")
		detail = "an internal error occurred"
	}

	extra := map[string]any{}
	if ke.RequireCapability != "" {
		extra["require_capability"] = ke.RequireCapability
	}
	if ke.Explain != nil {
		extra["explain"] = ke.Explain
	}

	problem.Write(w, r, ke.Kind.HTTPStatus(), "kernel/"+string(ke.Kind), ke.Kind.Title(), ke.Kind.ProblemCode(), detail, extra)
}

func unauthorized(format string, args ...any) error {
	return kernelerr.New(kernelerr.Unauthorized, format, args...)
}

func validationErr(format string, args ...any) error {
	return kernelerr.New(kernelerr.Validation, format, args...)
}

func notFoundErr(format string, args ...any) error {
	return kernelerr.New(kernelerr.NotFound, format, args...)
}
