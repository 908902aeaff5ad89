package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"-a", "--flag", "value"}, splitArgs("-a --flag value"))
	assert.Nil(t, splitArgs(""))
	assert.Equal(t, []string{"one"}, splitArgs("  one  "))
}

func TestProcessAdapterPrepareRequiresCommand(t *testing.T) {
	a := NewProcessAdapter(time.Second)
	_, err := a.Prepare(context.Background(), PrepareContext{Descriptor: model.RuntimeDescriptor{ID: "x"}})
	require.Error(t, err)
}

func TestProcessAdapterLaunchHealthShutdown(t *testing.T) {
	a := NewProcessAdapter(500 * time.Millisecond)
	desc := model.RuntimeDescriptor{ID: "sleeper", Tags: map[string]string{"command": "sleep", "args": "5"}}

	prepared, err := a.Prepare(context.Background(), PrepareContext{Descriptor: desc})
	require.NoError(t, err)

	handle, err := a.Launch(context.Background(), prepared)
	if err != nil {
		t.Skipf("cannot spawn sleep on this platform: %v", err)
	}

	state, err := a.Health(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, model.RuntimeReady, state)

	require.NoError(t, a.Shutdown(context.Background(), handle))
}

func TestHTTPAdapterHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(time.Second)
	desc := model.RuntimeDescriptor{ID: "remote", Tags: map[string]string{"health_url": srv.URL}}

	prepared, err := a.Prepare(context.Background(), PrepareContext{Descriptor: desc})
	require.NoError(t, err)

	handle, err := a.Launch(context.Background(), prepared)
	require.NoError(t, err)

	state, err := a.Health(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, model.RuntimeReady, state)
}
