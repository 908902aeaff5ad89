package tools

import (
	"context"

	"github.com/agentrt/agentd/internal/config"
)

// PostureGate is the worker's secondary egress check, independent of and
// stricter than the Policy Engine's capability/lease gate: it applies the
// ARW_SECURITY_POSTURE default documented for the kernel. Under the
// standard posture, network egress is denied by default regardless of a
// held lease; a leased net.http.fetch/net.http.post still has to clear
// this gate. Under the relaxed posture, reads default to allowed and only
// the explicit egress-write kind (net.http.post) keeps the default deny.
type PostureGate struct {
	Posture string
}

// NewPostureGate constructs a gate for cfg's configured posture.
func NewPostureGate(cfg *config.Config) *PostureGate {
	return &PostureGate{Posture: cfg.SecurityPosture}
}

// Allow reports whether kind may proceed under the configured posture.
func (g *PostureGate) Allow(_ context.Context, kind string) (bool, string, error) {
	if g.Posture == config.PostureRelaxed {
		if kind == KindHTTPPost {
			return false, "relaxed posture still denies egress-write actions by default", nil
		}
		return true, "", nil
	}
	return false, "standard posture denies network egress by default", nil
}
