package worker

import (
	"context"
	"net/http"
	"testing"

	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherPhasesRunInOrder(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.OnInstall(func(context.Context) error {
		calls = append(calls, "install 1")
		return nil
	})
	d.OnInstall(func(context.Context) error {
		calls = append(calls, "install 2")
		return nil
	})
	d.OnActivate(func(context.Context) error {
		calls = append(calls, "activate")
		return nil
	})

	require.NoError(t, d.Install(context.Background()))
	require.NoError(t, d.Activate(context.Background()))
	assert.Equal(t, []string{"install 1", "install 2", "activate"}, calls)
}

func TestDispatcherPhaseStopsAtFirstError(t *testing.T) {
	d := NewDispatcher()
	failure := errors.New(errors.CodeExecutionFailed, "provisioning failed")
	secondRan := false
	d.OnInstall(func(context.Context) error { return failure })
	d.OnInstall(func(context.Context) error {
		secondRan = true
		return nil
	})

	err := d.Install(context.Background())
	assert.True(t, errors.Is(err, failure))
	assert.False(t, secondRan)
}

func TestDispatchRequiresClaim(t *testing.T) {
	d := NewDispatcher()
	d.OnRequest(func(context.Context, *Request) (*httpcache.Response, error) {
		return httpcache.NewResponse(http.StatusOK, nil, []byte("handled")), nil
	})
	req := get(t, testOrigin+"/")

	resp, handled, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, resp)
	assert.False(t, d.Controlling())

	d.Claim()
	assert.True(t, d.Controlling())

	resp, handled, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "handled", readBody(t, resp))
}

func TestDispatchFirstResponderWins(t *testing.T) {
	d := NewDispatcher()
	d.OnRequest(func(context.Context, *Request) (*httpcache.Response, error) {
		return nil, nil
	})
	d.OnRequest(func(context.Context, *Request) (*httpcache.Response, error) {
		return nil, errors.New(errors.CodeNetwork, "offline")
	})
	d.OnRequest(func(context.Context, *Request) (*httpcache.Response, error) {
		t.Error("handlers after the first responder must not run")
		return nil, nil
	})
	d.Claim()

	resp, handled, err := d.Dispatch(context.Background(), get(t, testOrigin+"/"))
	assert.True(t, handled)
	assert.Nil(t, resp)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
}

func TestDispatchWithoutResponder(t *testing.T) {
	d := NewDispatcher()
	d.OnRequest(func(context.Context, *Request) (*httpcache.Response, error) {
		return nil, nil
	})
	d.Claim()

	_, handled, err := d.Dispatch(context.Background(), get(t, testOrigin+"/"))
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestWorkerControlsOnlyAfterActivate(t *testing.T) {
	w := newTestWorker(t, testConfig(), newTestStorage(t), appShellNetwork())
	ctx := context.Background()
	req := get(t, testOrigin+"/index.html")

	_, handled, err := w.Handle(ctx, req)
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, w.Install(ctx))
	_, handled, err = w.Handle(ctx, req)
	require.NoError(t, err)
	assert.False(t, handled, "an installed worker waits for activation")

	require.NoError(t, w.Activate(ctx))
	resp, handled, err := w.Handle(ctx, req)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "shell", readBody(t, resp))
}

func TestNewWorkerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Origin = "not a url"

	_, err := New(cfg, newTestStorage(t), appShellNetwork())
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestWorkerNamespaces(t *testing.T) {
	w := newTestWorker(t, testConfig(), newTestStorage(t), appShellNetwork())

	ns := w.Namespaces()
	assert.Equal(t, testPrecache, ns.Precache)
	assert.Equal(t, testRuntime, ns.Runtime)
	assert.True(t, ns.IsCurrent(testPrecache))
	assert.True(t, ns.IsCurrent(testRuntime))
	assert.False(t, ns.IsCurrent("precache-v0"))
	assert.Equal(t, []string{testPrecache, testRuntime}, ns.Current())
}
