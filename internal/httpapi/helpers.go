package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentrt/agentd/internal/control/auth"
	"github.com/agentrt/agentd/internal/kernel/kernelerr"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/policy"
)

func kernelNotImplemented(format string, args ...any) error {
	return kernelerr.New(kernelerr.NotImplemented, format, args...)
}

func rowToJSON(row model.EventRow) ([]byte, error) {
	return json.Marshal(row)
}

// kernelDenied wraps a policy denial into the kernel's tagged error type, so
// writeKernelError can render it with the require_capability/explain
// extensions spec.md §6's error shape documents.
func kernelDenied(decision policy.Decision) error {
	return &kernelerr.Error{
		Kind:              kernelerr.Forbidden,
		Message:           "denied by policy",
		RequireCapability: decision.RequireCapability,
		Explain:           decision.Explain,
	}
}

// principalID returns the authenticated caller's id for audit logging, or
// "unknown" if no principal was attached to the request (should not happen
// for a route behind requireAdminToken).
func principalID(r *http.Request) string {
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		return p.ID
	}
	return "unknown"
}
