// Package readmodel implements the Read-Model Publisher: it turns a
// component's latest snapshot into a JSON-Patch (RFC 6902 subset) against
// the previously published snapshot, tags it with a monotonically
// increasing per-name version, and publishes it on the event bus as a
// state.read.model.patch envelope. SSE subscribers use the version to
// detect a missed patch and fall back to a full resync.
package readmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/agentrt/agentd/internal/kernel/events"
)

// Op is one RFC 6902 operation. Only add/replace/remove are produced by
// Diff, covering top-level and one-level-nested object keys; Value is
// omitted for remove.
type Op struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// escapePointerToken escapes "~" and "/" per RFC 6901 so a map key can be
// used as a JSON Pointer path segment.
func escapePointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}

// Diff computes the RFC 6902 subset patch that turns prev into next: add,
// remove, and replace on top-level keys, descending one level into any key
// whose value is a JSON object in both prev and next so a single changed
// nested field doesn't replace its whole parent object. A change below the
// second level is emitted as a replace of the second-level value, and a key
// that is not an object on both sides (a type change included) is replaced
// whole at its top-level path.
func Diff(prev, next json.RawMessage) ([]Op, error) {
	prevFields, err := objectFields(prev)
	if err != nil {
		return nil, fmt.Errorf("readmodel: diff prev: %w", err)
	}
	nextFields, err := objectFields(next)
	if err != nil {
		return nil, fmt.Errorf("readmodel: diff next: %w", err)
	}

	keys := make(map[string]struct{}, len(prevFields)+len(nextFields))
	for k := range prevFields {
		keys[k] = struct{}{}
	}
	for k := range nextFields {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var ops []Op
	for _, k := range sorted {
		pv, inPrev := prevFields[k]
		nv, inNext := nextFields[k]
		path := "/" + escapePointerToken(k)

		switch {
		case inNext && !inPrev:
			ops = append(ops, Op{Op: "add", Path: path, Value: nv})
		case inPrev && !inNext:
			ops = append(ops, Op{Op: "remove", Path: path})
		case bytes.Equal(pv, nv):
			// unchanged
		default:
			if nested, ok := diffNested(path, pv, nv); ok {
				ops = append(ops, nested...)
			} else {
				ops = append(ops, Op{Op: "replace", Path: path, Value: nv})
			}
		}
	}
	return ops, nil
}

// diffNested attempts a one-level-deep field diff when both pv and nv are
// JSON objects. ok is false if either side isn't an object, in which case
// the caller falls back to a top-level replace.
func diffNested(parentPath string, pv, nv json.RawMessage) ([]Op, bool) {
	pf, errP := objectFields(pv)
	nf, errN := objectFields(nv)
	if errP != nil || errN != nil {
		return nil, false
	}
	// objectFields returns nil, nil for non-object JSON (e.g. an array or
	// scalar); treat that as "not an object" too.
	if pf == nil || nf == nil {
		return nil, false
	}

	keys := make(map[string]struct{}, len(pf)+len(nf))
	for k := range pf {
		keys[k] = struct{}{}
	}
	for k := range nf {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var ops []Op
	for _, k := range sorted {
		pv, inPrev := pf[k]
		nv, inNext := nf[k]
		path := parentPath + "/" + escapePointerToken(k)
		switch {
		case inNext && !inPrev:
			ops = append(ops, Op{Op: "add", Path: path, Value: nv})
		case inPrev && !inNext:
			ops = append(ops, Op{Op: "remove", Path: path})
		case bytes.Equal(pv, nv):
		default:
			ops = append(ops, Op{Op: "replace", Path: path, Value: nv})
		}
	}
	return ops, true
}

// objectFields unmarshals raw as a JSON object. It returns (nil, nil) for
// an empty/null input or for JSON that isn't object-shaped (array, scalar),
// since those have no field-level diff to compute.
func objectFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Publisher tracks, per read-model name, the last published snapshot and a
// monotonically increasing version counter, and emits
// state.read.model.patch envelopes describing the delta between them.
type Publisher struct {
	mu       sync.Mutex
	snapshot map[string]json.RawMessage
	version  map[string]int64
}

// NewPublisher constructs an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		snapshot: make(map[string]json.RawMessage),
		version:  make(map[string]int64),
	}
}

// Publish computes the diff between the read-model name's previously
// published snapshot and the marshaled form of next, bumps its version, and
// emits the resulting envelope via emit. The first publication for a name
// (version 1) and any publication with an empty patch carry the full
// snapshot too, so a freshly connected subscriber can bootstrap without a
// separate read before its first patch.
func (p *Publisher) Publish(ctx context.Context, emit events.Emitter, name string, next any) (int64, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("readmodel: marshal %s snapshot: %w", name, err)
	}

	p.mu.Lock()
	prev := p.snapshot[name]
	version := p.version[name] + 1
	ops, diffErr := Diff(prev, raw)
	if diffErr == nil {
		p.snapshot[name] = raw
		p.version[name] = version
	}
	p.mu.Unlock()
	if diffErr != nil {
		return 0, diffErr
	}

	payload := map[string]any{"id": name, "version": version, "patch": ops}
	if version == 1 || len(ops) == 0 {
		payload["snapshot"] = json.RawMessage(raw)
	}
	if _, err := emit.Emit(ctx, "state.read.model.patch", payload); err != nil {
		return version, err
	}
	return version, nil
}

// Current returns the most recently published snapshot and version for
// name, for a handler that needs to answer a bootstrap GET without waiting
// on the next patch event. ok is false if name has never been published.
func (p *Publisher) Current(name string) (snapshot json.RawMessage, version int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.snapshot[name]
	return raw, p.version[name], ok
}

// Reconciler is the SSE-subscriber-side counterpart to Publisher: it tracks
// the last version and snapshot it has seen per read-model name, applies
// incoming patches with the evanphx/json-patch library, and reports a gap
// when a version is skipped so the subscriber knows to request a full
// resync instead of trusting a patch applied on top of stale state.
type Reconciler struct {
	mu       sync.Mutex
	snapshot map[string]json.RawMessage
	version  map[string]int64
}

// NewReconciler constructs an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		snapshot: make(map[string]json.RawMessage),
		version:  make(map[string]int64),
	}
}

// Gap is returned by Apply when the incoming version is not the
// reconciler's last-seen version plus one, meaning at least one patch in
// between was missed.
type Gap struct {
	Name string
	Last int64
	Got  int64
}

func (g *Gap) Error() string {
	return fmt.Sprintf("readmodel: %s: version gap, last seen %d got %d", g.Name, g.Last, g.Got)
}

// Apply reconciles one state.read.model.patch envelope. If snapshot is
// non-empty it replaces the tracked state outright (used for version==1 and
// empty-patch envelopes). Otherwise the patch ops are applied, via
// evanphx/json-patch, to the previously tracked snapshot. Apply always
// records version as the new last-seen version even when it returns a Gap,
// so a single missed patch doesn't cascade into repeated gap errors.
func (r *Reconciler) Apply(name string, version int64, patch []Op, snapshot json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.version[name]
	var gapErr error
	if last > 0 && version != last+1 {
		gapErr = &Gap{Name: name, Last: last, Got: version}
	}

	var result json.RawMessage
	switch {
	case len(snapshot) > 0:
		result = snapshot
	case len(patch) == 0:
		result = r.snapshot[name]
	default:
		patchDoc, err := json.Marshal(patch)
		if err != nil {
			return nil, fmt.Errorf("readmodel: encode patch for %s: %w", name, err)
		}
		decoded, err := jsonpatch.DecodePatch(patchDoc)
		if err != nil {
			return nil, fmt.Errorf("readmodel: decode patch for %s: %w", name, err)
		}
		base := r.snapshot[name]
		if len(base) == 0 {
			base = json.RawMessage("{}")
		}
		applied, err := decoded.Apply(base)
		if err != nil {
			return nil, fmt.Errorf("readmodel: apply patch for %s: %w", name, err)
		}
		result = applied
	}

	r.snapshot[name] = result
	r.version[name] = version
	return result, gapErr
}
