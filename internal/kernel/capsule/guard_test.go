package capsule

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpRequestWithHeader(t *testing.T, header, value string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/actions", nil)
	req.Header.Set(header, value)
	return req
}

// recordingStore is a minimal events.Store that records every appended
// event's kind, so tests can assert on what the guard emitted without
// standing up SQLite.
type recordingStore struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingStore) AppendEvent(_ context.Context, env model.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, env.Kind)
	return int64(len(s.kinds)), nil
}

func (s *recordingStore) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestGuard() (*Guard, *recordingStore) {
	rs := &recordingStore{}
	emit := events.Emitter{Store: rs, Bus: nil}
	return NewGuard(nil, emit), rs
}

func sampleCapsule(id string) model.GatingCapsule {
	return model.GatingCapsule{
		ID: id, Version: "1", IssuedAtMs: 0, Issuer: "local-admin",
		Denies: []string{}, Contracts: []model.Contract{},
	}
}

func TestFingerprintStableAcrossResigning(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub1
	_ = pub2

	cap := sampleCapsule("cap-demo")
	fp0, err := Fingerprint(cap)
	require.NoError(t, err)

	sig1, err := Sign(cap, priv1)
	require.NoError(t, err)
	cap.Signature = sig1
	fp1, err := Fingerprint(cap)
	require.NoError(t, err)

	sig2, err := Sign(cap, priv2)
	require.NoError(t, err)
	cap.Signature = sig2
	fp2, err := Fingerprint(cap)
	require.NoError(t, err)

	assert.Equal(t, fp0, fp1, "signature bytes must not affect fingerprint")
	assert.Equal(t, fp1, fp2)
}

func TestReAdoptionWithinThrottleWindowIsSilent(t *testing.T) {
	g, _ := newTestGuard()
	cap := sampleCapsule("cap-throttle")

	out1, err := g.adopt(cap, 1_000_000)
	require.NoError(t, err)
	assert.True(t, out1.notify, "first adoption always notifies")

	out2, err := g.adopt(cap, 1_000_500) // within EventThrottleMs, unchanged fingerprint
	require.NoError(t, err)
	assert.False(t, out2.notify, "re-adoption of unchanged capsule inside throttle window must be silent")
}

func TestAdoptThenSnapshotNeverExpired(t *testing.T) {
	g, _ := newTestGuard()
	cap := sampleCapsule("cap-fresh")
	lease := int64(60_000)
	cap.LeaseDurationMs = &lease

	now := int64(1_000_000)
	_, err := g.adopt(cap, now)
	require.NoError(t, err)

	views := g.Snapshot(now)
	require.Len(t, views, 1)
	assert.Equal(t, "cap-fresh", views[0].ID)
	assert.NotEqual(t, model.StatusExpired, views[0].Status)
	assert.GreaterOrEqual(t, views[0].AppliedMs, now)
}

func TestSweepExpiresCapsuleAfterLeasePlusRenewWindow(t *testing.T) {
	g, _ := newTestGuard()
	cap := sampleCapsule("cap-expiring")
	lease := int64(300)
	renew := int64(1500)
	cap.LeaseDurationMs = &lease
	cap.RenewWithinMs = &renew

	start := int64(1_000_000)
	_, err := g.adopt(cap, start)
	require.NoError(t, err)

	// Still within lease+renew window: reapplied, not expired.
	mid := g.Sweep(start + 350)
	assert.Empty(t, mid.Expired)
	require.Len(t, mid.Reapplied, 1)

	// Past lease + renew window entirely: purged and reported expired.
	late := g.Sweep(start + 2500)
	require.Len(t, late.Expired, 1)
	assert.Equal(t, "cap-expiring", late.Expired[0].ID)

	assert.Empty(t, g.Snapshot(start+2500), "expired capsule must be purged from the registry")
}

func TestLegacyHeaderRejectedWithGoneAndEvents(t *testing.T) {
	g, rs := newTestGuard()

	req := httpRequestWithHeader(t, headerLegacy, `{"id":"legacy-test","version":"1","issued_at_ms":0,"denies":[],"contracts":[]}`)
	err := g.admit(req)
	require.Error(t, err)

	var rej *rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 410, rej.status)

	assert.Equal(t, 1, rs.count("policy.capsule.failed"))
	assert.Equal(t, 1, rs.count("policy.decision"))
}

func TestTeardownDryRunLeavesRegistryUntouched(t *testing.T) {
	g, rs := newTestGuard()
	_, err := g.adopt(sampleCapsule("a"), 1_000_000)
	require.NoError(t, err)
	_, err = g.adopt(sampleCapsule("b"), 1_000_000)
	require.NoError(t, err)

	result := g.Teardown(context.Background(), TeardownSelection{All: true}, "", true)
	assert.True(t, result.DryRun)
	assert.Len(t, result.Removed, 2)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, 0, rs.count("policy.capsule.teardown"), "dry run must not emit teardown events")
	assert.Len(t, g.Snapshot(1_000_000), 2, "dry run must not mutate the registry")
}
