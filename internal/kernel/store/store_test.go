package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendEventAssignsMonotonicID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.AppendEvent(ctx, model.Envelope{Time: 1, Kind: "policy.decision", Payload: json.RawMessage(`{"corr_id":"c1"}`)})
	require.NoError(t, err)
	id2, err := s.AppendEvent(ctx, model.Envelope{Time: 2, Kind: "policy.decision", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Greater(t, id2, id1)

	rows, err := s.RecentEvents(ctx, 10, id1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id2, rows[0].ID)
}

func TestActionIdempotentSubmitFindsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := model.Action{ID: "a-1", Kind: "chat.reply", Input: json.RawMessage(`{"text":"hi"}`), IdemKey: "k-1", State: model.ActionQueued}
	require.NoError(t, s.InsertAction(ctx, a))

	found, err := s.FindActionByIdemKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", found.ID)

	_, err = s.FindActionByIdemKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDequeueOneQueuedTransitionsToRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAction(ctx, model.Action{ID: "a-1", Kind: "k", Input: json.RawMessage(`{}`), State: model.ActionQueued}))

	claimed, err := s.DequeueOneQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a-1", claimed.ID)
	assert.Equal(t, model.ActionRunning, claimed.State)

	_, err = s.DequeueOneQueued(ctx)
	assert.ErrorIs(t, err, ErrNotFound, "no other queued action should remain")
}

func TestListActionsFiltersByKindPrefixAndState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAction(ctx, model.Action{ID: "a-1", Kind: "chat.reply", Input: json.RawMessage(`{}`), State: model.ActionCompleted}))
	require.NoError(t, s.InsertAction(ctx, model.Action{ID: "a-2", Kind: "chat.summarize", Input: json.RawMessage(`{}`), State: model.ActionQueued}))
	require.NoError(t, s.InsertAction(ctx, model.Action{ID: "a-3", Kind: "tool.invoke", Input: json.RawMessage(`{}`), State: model.ActionCompleted}))

	byKind, err := s.ListActions(ctx, "chat.", "", 10)
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byState, err := s.ListActions(ctx, "", model.ActionCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	both, err := s.ListActions(ctx, "chat.", model.ActionCompleted, 10)
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "a-1", both[0].ID)

	all, err := s.ListActions(ctx, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1, "limit is honored")
}

func TestUpdateActionResultPreservesUnsetFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertAction(ctx, model.Action{ID: "a-1", Kind: "k", Input: json.RawMessage(`{}`), State: model.ActionQueued}))

	require.NoError(t, s.UpdateActionResult(ctx, "a-1", json.RawMessage(`{"ok":true}`), nil, model.ActionCompleted))

	got, err := s.GetAction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, model.ActionCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
	assert.Empty(t, got.Error)
}

func TestFindValidLeaseReturnsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertLease(ctx, model.Lease{Subject: "local", Capability: "runtime:manage", TTLUntilMs: 1000})
	require.NoError(t, err)
	newer, err := s.InsertLease(ctx, model.Lease{Subject: "local", Capability: "runtime:manage", TTLUntilMs: 2000})
	require.NoError(t, err)

	found, err := s.FindValidLease(ctx, "local", "runtime:manage", 500)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)

	_, err = s.FindValidLease(ctx, "local", "runtime:manage", 3000)
	assert.ErrorIs(t, err, ErrNotFound, "expired leases must never be returned")
}

func TestSelectMemoryHybridRanksLexicalMatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMemory(ctx, model.MemoryRecord{Lane: "semantic", Key: "k1", Value: json.RawMessage(`"the quick brown fox"`)})
	require.NoError(t, err)
	_, err = s.InsertMemory(ctx, model.MemoryRecord{Lane: "semantic", Key: "k2", Value: json.RawMessage(`"a slow red turtle"`)})
	require.NoError(t, err)

	results, err := s.SelectMemoryHybrid(ctx, "quick fox", "semantic", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "k1", results[0].Record.Key)
}

func TestInsertMemoryLinkUpsertsByCompositeKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w1 := 1.0
	require.NoError(t, s.InsertMemoryLink(ctx, model.MemoryLink{SrcID: "a", DstID: "b", Rel: "supports", Weight: &w1}))
	w2 := 2.0
	require.NoError(t, s.InsertMemoryLink(ctx, model.MemoryLink{SrcID: "a", DstID: "b", Rel: "supports", Weight: &w2}))

	links, err := s.MemoryLinksFrom(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, links, 1, "re-inserting same triple must upsert, not duplicate")
	assert.Equal(t, 2.0, *links[0].Weight)
}

func TestConfigSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertConfigSnapshot(ctx, json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)

	snap, err := s.GetConfigSnapshot(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(snap.Config))

	_, err = s.GetConfigSnapshot(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}
