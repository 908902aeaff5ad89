// Package capsule implements the Capsule Guard: admission, adoption,
// refresh-sweep, status classification and teardown of signed gating
// capsules carried on the X-ARW-Capsule header.
package capsule

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/kernel/correlation"
	"github.com/agentrt/agentd/internal/kernel/events"
	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/kernel/readmodel"
	"github.com/agentrt/agentd/internal/log"
)

// ReadModelName is the read-model id this guard publishes snapshot patches
// under, exposed so the HTTP surface can serve a bootstrap GET under the
// same name the SSE patch stream uses.
const ReadModelName = "policy_capsules"

const (
	// ExpiringSoonWindowMs is how long before an undeclared-renew-window
	// capsule is classified "expiring" rather than "active".
	ExpiringSoonWindowMs int64 = 60_000
	// EventThrottleMs suppresses redundant policy.capsule.applied events
	// for re-adoption of an unchanged capsule within this window.
	EventThrottleMs int64 = 2_000
	// HopTickMs bounds how long the refresh sweep waits before decrementing
	// a capsule's remaining hop budget.
	HopTickMs int64 = 1_000

	headerCurrent = "X-Arw-Capsule"
	headerLegacy  = "X-Arw-Gate"
)

var (
	// ErrLegacyHeader is returned when a request carries the retired
	// X-ARW-Gate header instead of X-ARW-Capsule.
	ErrLegacyHeader = errors.New("capsule: legacy X-ARW-Gate header is no longer supported")
	legacyDetail    = "Legacy X-ARW-Gate header is no longer supported; send X-ARW-Capsule instead"
)

// Guard holds the adopted-capsule registry and gates requests against it.
type Guard struct {
	mu       sync.Mutex
	entries  map[string]*model.CapsuleEntry
	trust    *TrustStore
	emit     events.Emitter
	rm       *readmodel.Publisher
	lastSeen int64
}

// NewGuard constructs a Guard backed by trust for signature verification and
// emit for event/read-model publication.
func NewGuard(trust *TrustStore, emit events.Emitter) *Guard {
	return &Guard{
		entries: make(map[string]*model.CapsuleEntry),
		trust:   trust,
		emit:    emit,
		rm:      readmodel.NewPublisher(),
	}
}

// ReadModel returns the publisher backing this guard's policy_capsules
// read-model, so the HTTP surface can serve GET /state/policy/capsules from
// the same version-tracked snapshot the SSE patch stream publishes.
func (g *Guard) ReadModel() *readmodel.Publisher { return g.rm }

// Middleware gates every request per the admission algorithm: absent header
// passes through; a legacy header is rejected with 410; an invalid or
// unverifiable capsule is rejected with 400/403; otherwise the capsule is
// adopted and the request proceeds.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.admit(r); err != nil {
			writeRejection(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rejection struct {
	status int
	code   string
	detail string
}

func (r *rejection) Error() string { return r.detail }

func writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	var rej *rejection
	if !errors.As(err, &rej) {
		rej = &rejection{status: http.StatusBadRequest, code: "invalid_capsule", detail: err.Error()}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(rej.status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  "Capsule rejected",
		"status": rej.status,
		"code":   rej.code,
		"detail": rej.detail,
	})
	_ = r
}

// admit runs the admission algorithm against r, adopting any carried capsule.
func (g *Guard) admit(r *http.Request) error {
	ctx := r.Context()

	if legacy := r.Header.Get(headerLegacy); legacy != "" && r.Header.Get(headerCurrent) == "" {
		capsuleID := ""
		if cap, err := decodeCapsule(legacy); err == nil {
			capsuleID = cap.ID
		}
		g.publishFailure(ctx, capsuleID, legacyDetail)
		return &rejection{status: http.StatusGone, code: "capsule_header_legacy", detail: legacyDetail}
	}

	raw := strings.TrimSpace(r.Header.Get(headerCurrent))
	if raw == "" {
		return nil
	}

	cap, err := decodeCapsule(raw)
	if err != nil {
		g.publishFailure(ctx, "", err.Error())
		return &rejection{status: http.StatusBadRequest, code: "invalid_capsule", detail: err.Error()}
	}

	if g.trust != nil {
		pub, ok := g.trust.Lookup(cap.Issuer)
		if !ok {
			g.publishFailure(ctx, cap.ID, "unknown issuer")
			return &rejection{status: http.StatusForbidden, code: "capsule_verification_failed", detail: "Capsule verification failed"}
		}
		if err := Verify(cap, pub); err != nil {
			g.publishFailure(ctx, cap.ID, "verification failed")
			return &rejection{status: http.StatusForbidden, code: "capsule_verification_failed", detail: "Capsule verification failed"}
		}
	}

	nowMs := time.Now().UnixMilli()
	outcome, err := g.adopt(cap, nowMs)
	if err != nil {
		return err
	}
	if outcome.notify {
		g.publishApplied(ctx, outcome.entry, false)
		g.publishSnapshotPatch(ctx)
	}
	return nil
}

func decodeCapsule(raw string) (model.GatingCapsule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return model.GatingCapsule{}, errors.New("Capsule header was empty")
	}
	var cap model.GatingCapsule
	if err := json.Unmarshal([]byte(trimmed), &cap); err == nil {
		return cap, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return model.GatingCapsule{}, errors.New("Capsule header could not be decoded")
	}
	if err := json.Unmarshal(decoded, &cap); err != nil {
		return model.GatingCapsule{}, errors.New("Capsule header could not be decoded")
	}
	return cap, nil
}

type adoptOutcome struct {
	entry  *model.CapsuleEntry
	notify bool
}

// adopt upserts cap into the registry under cap.ID, deciding whether the
// change warrants a notification per the fingerprint/version/issuer/
// throttle rule.
func (g *Guard) adopt(cap model.GatingCapsule, nowMs int64) (adoptOutcome, error) {
	fingerprint, err := Fingerprint(cap)
	if err != nil {
		return adoptOutcome{}, &rejection{status: http.StatusBadRequest, code: "invalid_capsule", detail: err.Error()}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.entries[cap.ID]
	remainingHops := remainingHopsAfterAdopt(cap)
	var leaseUntil *int64
	if cap.LeaseDurationMs != nil {
		until := nowMs + *cap.LeaseDurationMs
		leaseUntil = &until
	}

	if !ok {
		entry := &model.CapsuleEntry{
			Snapshot:      cap,
			Fingerprint:   fingerprint,
			AppliedMs:     nowMs,
			RemainingHops: remainingHops,
			LeaseUntilMs:  leaseUntil,
			LastEventMs:   nowMs,
		}
		g.entries[cap.ID] = entry
		g.lastSeen = nowMs
		return adoptOutcome{entry: entry, notify: true}, nil
	}

	changed := existing.Fingerprint != fingerprint ||
		existing.Snapshot.Version != cap.Version ||
		existing.Snapshot.Issuer != cap.Issuer
	existing.Snapshot = cap
	existing.Fingerprint = fingerprint
	existing.AppliedMs = nowMs
	existing.RemainingHops = remainingHops
	existing.LeaseUntilMs = leaseUntil

	notify := changed || (nowMs-existing.LastEventMs) >= EventThrottleMs
	if notify {
		existing.LastEventMs = nowMs
	}
	g.lastSeen = nowMs
	return adoptOutcome{entry: existing, notify: notify}, nil
}

func remainingHopsAfterAdopt(cap model.GatingCapsule) *uint32 {
	if cap.HopTTL == nil || *cap.HopTTL == 0 {
		return nil
	}
	remaining := *cap.HopTTL - 1
	return &remaining
}

// Snapshot returns every adopted capsule's status view, newest-applied
// first.
func (g *Guard) Snapshot(nowMs int64) []CapsuleView {
	g.mu.Lock()
	defer g.mu.Unlock()

	views := make([]CapsuleView, 0, len(g.entries))
	for _, entry := range g.entries {
		views = append(views, describe(*entry, nowMs))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].AppliedMs > views[j].AppliedMs })
	return views
}

// ActiveDenyPatterns returns the union of deny patterns carried by every
// currently adopted capsule (contracts not yet valid as of nowMs are
// excluded), for the Policy Engine to match candidate action names against.
func (g *Guard) ActiveDenyPatterns(nowMs int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var patterns []string
	for _, entry := range g.entries {
		patterns = append(patterns, entry.Snapshot.Denies...)
		for _, c := range entry.Snapshot.Contracts {
			if c.ValidFrom <= nowMs {
				patterns = append(patterns, c.Patterns...)
			}
		}
	}
	return patterns
}

// ReplaySweep is the background refresh pass: it expires leases past their
// renewal grace, re-applies leases inside their renewal window, decrements
// hop budgets, and reports what changed so the caller can publish events.
type ReplaySweep struct {
	Expired   []CapsuleView
	Reapplied []CapsuleView
	Changed   bool
}

// Sweep runs one refresh pass as of nowMs.
func (g *Guard) Sweep(nowMs int64) ReplaySweep {
	g.mu.Lock()

	var expiredIDs []string
	var expired, reapplied []CapsuleView
	changed := false

	for id, entry := range g.entries {
		shouldApply := false
		expiredNow := false

		if entry.LeaseUntilMs != nil {
			expire := *entry.LeaseUntilMs
			if nowMs >= expire {
				sinceExpiry := nowMs - expire
				renewWindow := int64(0)
				if entry.Snapshot.RenewWithinMs != nil {
					renewWindow = *entry.Snapshot.RenewWithinMs
				}
				if entry.Snapshot.RenewWithinMs != nil && sinceExpiry <= renewWindow {
					shouldApply = true
				} else {
					expiredNow = true
				}
			} else if entry.Snapshot.RenewWithinMs != nil {
				untilExpiry := expire - nowMs
				if untilExpiry <= *entry.Snapshot.RenewWithinMs {
					shouldApply = true
				}
			}
		}

		if entry.RemainingHops != nil && *entry.RemainingHops > 0 {
			shouldApply = true
			next := *entry.RemainingHops - 1
			entry.RemainingHops = &next
			changed = true
		}

		if expiredNow {
			expiredIDs = append(expiredIDs, id)
			expired = append(expired, describe(*entry, nowMs))
			changed = true
			continue
		}

		if shouldApply {
			if entry.Snapshot.LeaseDurationMs != nil {
				until := nowMs + *entry.Snapshot.LeaseDurationMs
				entry.LeaseUntilMs = &until
			}
			entry.AppliedMs = nowMs
			entry.LastEventMs = nowMs
			changed = true
			reapplied = append(reapplied, describe(*entry, nowMs))
		}
	}
	for _, id := range expiredIDs {
		delete(g.entries, id)
	}
	g.lastSeen = nowMs
	g.mu.Unlock()

	return ReplaySweep{Expired: expired, Reapplied: reapplied, Changed: changed}
}

// RunSweep executes Sweep and publishes the resulting expired/applied events
// and read-model patch, as the background refresh loop does on every tick.
func (g *Guard) RunSweep(ctx context.Context) ReplaySweep {
	result := g.Sweep(time.Now().UnixMilli())
	for _, v := range result.Expired {
		g.publishExpired(ctx, v)
	}
	for _, v := range result.Reapplied {
		g.publishAppliedView(ctx, v, true)
	}
	if result.Changed {
		g.publishSnapshotPatch(ctx)
	}
	return result
}

// NextSweepDelay returns how long the refresh loop should sleep before its
// next Sweep, bounded by maxWaitMs, honoring the earliest pending renewal,
// expiry, or hop tick across all adopted capsules.
func (g *Guard) NextSweepDelay(nowMs, maxWaitMs int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.entries) == 0 {
		return maxWaitMs
	}
	soonest := maxWaitMs
	for _, entry := range g.entries {
		if entry.LeaseUntilMs != nil {
			leaseUntil := *entry.LeaseUntilMs
			if nowMs >= leaseUntil {
				return 0
			}
			if entry.Snapshot.RenewWithinMs != nil {
				renewStart := leaseUntil - *entry.Snapshot.RenewWithinMs
				if nowMs >= renewStart {
					return 0
				}
				if untilRenew := renewStart - nowMs; untilRenew < soonest {
					soonest = untilRenew
				}
			} else if untilExpire := leaseUntil - nowMs; untilExpire < soonest {
				soonest = untilExpire
			}
		}
		if entry.RemainingHops != nil && *entry.RemainingHops > 0 {
			if HopTickMs < soonest {
				soonest = HopTickMs
			}
		}
	}
	return soonest
}

// TeardownSelection picks which capsules a Teardown call removes.
type TeardownSelection struct {
	All bool
	IDs []string
}

// TeardownResult reports the outcome of a Teardown call.
type TeardownResult struct {
	Removed   []CapsuleView
	NotFound  []string
	Remaining int
	DryRun    bool
	Reason    string
}

// Teardown removes capsules per sel. For a dry run, it computes the would-be
// outcome without mutating the registry.
func (g *Guard) Teardown(ctx context.Context, sel TeardownSelection, reason string, dryRun bool) TeardownResult {
	nowMs := time.Now().UnixMilli()
	reason = strings.TrimSpace(reason)

	g.mu.Lock()
	var removed []CapsuleView
	var notFound []string

	if sel.All {
		for _, entry := range g.entries {
			removed = append(removed, describe(*entry, nowMs))
		}
		if !dryRun {
			g.entries = make(map[string]*model.CapsuleEntry)
		}
	} else {
		seen := make(map[string]struct{})
		for _, id := range sel.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			entry, ok := g.entries[id]
			if !ok {
				notFound = append(notFound, id)
				continue
			}
			removed = append(removed, describe(*entry, nowMs))
			if !dryRun {
				delete(g.entries, id)
			}
		}
	}
	remaining := len(g.entries)
	g.mu.Unlock()

	result := TeardownResult{Removed: removed, NotFound: notFound, Remaining: remaining, DryRun: dryRun, Reason: reason}

	if !dryRun && len(removed) > 0 {
		for _, v := range removed {
			g.publishTeardown(ctx, v, nowMs, reason)
		}
		g.publishSnapshotPatch(ctx)
	}
	return result
}

func (g *Guard) publishFailure(ctx context.Context, capsuleID, detail string) {
	payload := map[string]any{"id": nullableString(capsuleID), "detail": detail}
	if _, err := g.emit.Emit(ctx, "policy.capsule.failed", payload); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to emit capsule failure event")
	}
	explain := map[string]any{"detail": detail}
	if capsuleID != "" {
		explain["capsule_id"] = capsuleID
	}
	decision := map[string]any{"action": "policy.capsule", "allow": false, "explain": explain}
	if _, err := g.emit.Emit(ctx, "policy.decision", decision); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to emit policy decision event")
	}
}

func (g *Guard) publishApplied(ctx context.Context, entry *model.CapsuleEntry, renewal bool) {
	g.publishAppliedView(ctx, describe(*entry, entry.AppliedMs), renewal)
}

func (g *Guard) publishAppliedView(ctx context.Context, v CapsuleView, renewal bool) {
	payload := map[string]any{
		"id": v.ID, "version": v.Version, "issuer": nullableString(v.Issuer),
		"applied_ms": v.AppliedMs, "hop_ttl": v.HopTTL, "denies": v.Denies, "contracts": v.Contracts,
		"lease_until_ms": v.LeaseUntilMs, "renew_within_ms": v.RenewWithinMs, "renewal": renewal,
	}
	requestID, corrID := correlation.FromContext(ctx)
	if corrID != "" {
		payload["corr_id"] = corrID
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	if _, err := g.emit.Emit(ctx, "policy.capsule.applied", payload); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to emit capsule applied event")
	}
}

func (g *Guard) publishExpired(ctx context.Context, v CapsuleView) {
	payload := map[string]any{
		"id": v.ID, "version": v.Version, "issuer": nullableString(v.Issuer),
		"expired_ms": time.Now().UnixMilli(), "applied_ms": v.AppliedMs, "lease_until_ms": v.LeaseUntilMs,
	}
	if _, err := g.emit.Emit(ctx, "policy.capsule.expired", payload); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to emit capsule expired event")
	}
}

func (g *Guard) publishTeardown(ctx context.Context, v CapsuleView, nowMs int64, reason string) {
	payload := map[string]any{
		"id": v.ID, "version": v.Version, "issuer": nullableString(v.Issuer), "removed_ms": nowMs,
	}
	if reason != "" {
		payload["removed_reason"] = reason
	}
	if _, err := g.emit.Emit(ctx, "policy.capsule.teardown", payload); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to emit capsule teardown event")
	}
}

func (g *Guard) publishSnapshotPatch(ctx context.Context) {
	snap := g.Snapshot(time.Now().UnixMilli())
	view := map[string]any{"items": snap, "count": len(snap)}
	if _, err := g.rm.Publish(ctx, g.emit, ReadModelName, view); err != nil {
		log.WithComponent("capsule").Warn().Err(err).Msg("failed to publish policy_capsules read-model patch")
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
