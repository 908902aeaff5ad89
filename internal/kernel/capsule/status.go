package capsule

import (
	"fmt"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// CapsuleView is the read-model projection of one adopted capsule: its
// snapshot fields plus a derived lifecycle classification.
type CapsuleView struct {
	ID            string              `json:"id"`
	Version       string              `json:"version"`
	Issuer        string              `json:"issuer,omitempty"`
	AppliedMs     int64               `json:"applied_ms"`
	HopTTL        *uint32             `json:"hop_ttl,omitempty"`
	Denies        int                 `json:"denies"`
	Contracts     int                 `json:"contracts"`
	RemainingHops *uint32             `json:"remaining_hops,omitempty"`
	LeaseUntilMs  *int64              `json:"lease_until_ms,omitempty"`
	RenewWithinMs *int64              `json:"renew_within_ms,omitempty"`
	Status        model.CapsuleStatus `json:"status"`
	StatusLabel   string              `json:"status_label"`
	AriaHint      string              `json:"aria_hint"`
	ExpiresInMs   *int64              `json:"expires_in_ms,omitempty"`
	RenewInMs     *int64              `json:"renew_in_ms,omitempty"`
}

// describe classifies entry's lifecycle position as of nowMs and renders a
// read-model view of it.
func describe(entry model.CapsuleEntry, nowMs int64) CapsuleView {
	v := CapsuleView{
		ID:            entry.Snapshot.ID,
		Version:       entry.Snapshot.Version,
		Issuer:        entry.Snapshot.Issuer,
		AppliedMs:     entry.AppliedMs,
		HopTTL:        entry.Snapshot.HopTTL,
		Denies:        len(entry.Snapshot.Denies),
		Contracts:     len(entry.Snapshot.Contracts),
		RemainingHops: entry.RemainingHops,
		LeaseUntilMs:  entry.LeaseUntilMs,
		RenewWithinMs: entry.Snapshot.RenewWithinMs,
	}
	classify(&v, nowMs)
	return v
}

// classify fills in v's Status/StatusLabel/AriaHint/ExpiresInMs/RenewInMs
// given its lease fields, mirroring the admission algorithm's lifecycle
// rules: past lease+renew-window is expired; inside the renew window is
// renew_due; within the expiring-soon window with no explicit renew window
// is expiring; otherwise active; no lease at all is unbounded.
func classify(v *CapsuleView, nowMs int64) {
	if v.LeaseUntilMs == nil {
		v.Status = model.StatusUnbounded
		v.StatusLabel = "Active – lease not set"
		v.AriaHint = fmt.Sprintf("Capsule %s. Healthy. Capsule does not define a lease duration; renew manually when required.", v.ID)
		return
	}

	leaseUntil := *v.LeaseUntilMs
	expiresIn := leaseUntil - nowMs
	v.ExpiresInMs = &expiresIn

	var renewWindowStart *int64
	if v.RenewWithinMs != nil {
		start := leaseUntil - *v.RenewWithinMs
		renewWindowStart = &start
	}
	renewWindowStarted := renewWindowStart != nil && nowMs >= *renewWindowStart

	switch {
	case nowMs >= leaseUntil && (v.RenewWithinMs == nil || nowMs-leaseUntil > *v.RenewWithinMs):
		v.Status = model.StatusExpired
		v.StatusLabel = "Expired – renew required"
		v.AriaHint = fmt.Sprintf("Capsule %s. Expired %s. Apply a new capsule to restore enforcement.", v.ID, relativePast(nowMs-leaseUntil))
	case renewWindowStarted:
		v.Status = model.StatusRenewDue
		renewIn := int64(0)
		v.RenewInMs = &renewIn
		if expiresIn <= 0 {
			v.StatusLabel = "Renew now – expires immediately"
		} else {
			v.StatusLabel = fmt.Sprintf("Renew now – expires in %s", durationUnits(expiresIn))
		}
		v.AriaHint = fmt.Sprintf("Capsule %s. Renewal window active. Capsule expires %s.", v.ID, relativeFuture(expiresIn))
	case v.RenewWithinMs == nil && expiresIn <= ExpiringSoonWindowMs:
		v.Status = model.StatusExpiring
		if expiresIn == 0 {
			v.StatusLabel = "Expiring now"
		} else {
			v.StatusLabel = fmt.Sprintf("Expiring soon – %s left", durationUnits(expiresIn))
		}
		v.AriaHint = fmt.Sprintf("Capsule %s. Capsule expires %s.", v.ID, relativeFuture(expiresIn))
	default:
		v.Status = model.StatusActive
		if renewWindowStart != nil {
			renewIn := *renewWindowStart - nowMs
			v.RenewInMs = &renewIn
			v.StatusLabel = fmt.Sprintf("Active – renew in %s", durationUnits(renewIn))
			v.AriaHint = fmt.Sprintf("Capsule %s. Healthy. Renewal window opens %s and expiry follows %s.", v.ID, relativeFuture(renewIn), relativeFuture(expiresIn))
		} else {
			v.StatusLabel = fmt.Sprintf("Active – expires in %s", durationUnits(expiresIn))
			v.AriaHint = fmt.Sprintf("Capsule %s. Healthy. Capsule expires %s.", v.ID, relativeFuture(expiresIn))
		}
	}
}

func durationUnits(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	if totalSeconds == 0 {
		return "under 1 second"
	}
	units := []struct {
		secs           int64
		singular, plur string
	}{
		{86400, "day", "days"},
		{3600, "hour", "hours"},
		{60, "minute", "minutes"},
		{1, "second", "seconds"},
	}
	remaining := totalSeconds
	parts := make([]string, 0, 2)
	for _, u := range units {
		if remaining >= u.secs {
			value := remaining / u.secs
			remaining %= u.secs
			label := u.plur
			if value == 1 {
				label = u.singular
			}
			parts = append(parts, fmt.Sprintf("%d %s", value, label))
			if len(parts) == 2 {
				break
			}
		}
	}
	if len(parts) == 0 {
		return "under 1 second"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

func relativeFuture(ms int64) string {
	if ms <= 0 {
		return "now"
	}
	return "in " + durationUnits(ms)
}

func relativePast(ms int64) string {
	if ms <= 0 {
		return "just now"
	}
	return durationUnits(ms) + " ago"
}
