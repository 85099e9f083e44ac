package worker

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin   = "https://app.example.com"
	testCDN      = "https://cdn.jsdelivr.net"
	testPrecache = "precache-v1"
	testRuntime  = "runtime"
)

type fakeReply struct {
	status int
	body   string
}

// fakeNetwork answers fetches from a table of URLs. Unknown URLs get a 404.
type fakeNetwork struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	calls   map[string]int
	offline bool
	// when set, every fetch waits for it to be closed
	gate chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		replies: make(map[string]fakeReply),
		calls:   make(map[string]int),
	}
}

func (n *fakeNetwork) set(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies[rawURL] = fakeReply{status: status, body: body}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) hold() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gate = make(chan struct{})
	return n.gate
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*httpcache.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.String()]++
	reply, ok := n.replies[req.URL.String()]
	offline := n.offline
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if offline {
		return nil, errors.Newf(errors.CodeNetwork, "fetch %s: network unreachable", req.URL)
	}
	if !ok {
		return httpcache.NewResponse(http.StatusNotFound, nil, []byte("not found")), nil
	}
	header := http.Header{"Content-Type": []string{"text/html"}}
	return httpcache.NewResponse(reply.status, header, []byte(reply.body)), nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Origin = testOrigin
	cfg.Namespaces.Precache = config.PrecacheConfig{Name: "precache", Version: "v1"}
	cfg.Namespaces.Runtime = testRuntime
	cfg.AppShell = []string{"./", "./index.html", "./offline.html"}
	cfg.AllowList = []string{"cdn.jsdelivr.net"}
	cfg.NavigationShell = "./index.html"
	cfg.OfflinePage = "./offline.html"
	return &cfg
}

// appShellNetwork serves every entry of the default test app shell
func appShellNetwork() *fakeNetwork {
	network := newFakeNetwork()
	network.set(testOrigin+"/", http.StatusOK, "root")
	network.set(testOrigin+"/index.html", http.StatusOK, "shell")
	network.set(testOrigin+"/offline.html", http.StatusOK, "offline")
	return network
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage := cache.NewMemory()
	require.NoError(t, storage.Init())
	return storage
}

func newTestWorker(t *testing.T, cfg *config.Config, storage cache.Storage, network Fetcher) *Worker {
	t.Helper()
	w, err := New(cfg, storage, network)
	require.NoError(t, err)
	return w
}

// startedWorker returns an activated worker over a fresh memory storage
func startedWorker(t *testing.T, cfg *config.Config, network *fakeNetwork) (*Worker, cache.Storage) {
	t.Helper()
	storage := newTestStorage(t)
	w := newTestWorker(t, cfg, storage, network)
	require.NoError(t, w.Start(context.Background()))
	return w, storage
}

func newRequest(t *testing.T, method, rawURL, mode, accept string) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	header := make(http.Header)
	if accept != "" {
		header.Set("Accept", accept)
	}
	return &Request{Method: method, URL: u, Mode: mode, Header: header}
}

func navigate(t *testing.T, rawURL string) *Request {
	return newRequest(t, http.MethodGet, rawURL, ModeNavigate, "text/html")
}

func get(t *testing.T, rawURL string) *Request {
	return newRequest(t, http.MethodGet, rawURL, "no-cors", "*/*")
}

func handle(t *testing.T, w *Worker, req *Request) (*httpcache.Response, error) {
	t.Helper()
	resp, handled, err := w.Handle(context.Background(), req)
	require.True(t, handled, "worker should control requests")
	return resp, err
}

func readBody(t *testing.T, resp *httpcache.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	data, err := resp.Body.Take()
	require.NoError(t, err)
	return string(data)
}

func seed(t *testing.T, storage cache.Storage, namespace, key, body string) {
	t.Helper()
	ns, err := storage.Open(context.Background(), namespace)
	require.NoError(t, err)
	resp := httpcache.NewResponse(http.StatusOK, nil, []byte(body))
	require.NoError(t, httpcache.New(ns).Put(context.Background(), key, resp))
}

// stored returns the body stored under key, and whether it exists
func stored(t *testing.T, storage cache.Storage, namespace, key string) (string, bool) {
	t.Helper()
	ns, err := storage.Open(context.Background(), namespace)
	require.NoError(t, err)
	resp, err := httpcache.New(ns).Match(context.Background(), key)
	require.NoError(t, err)
	if resp == nil {
		return "", false
	}
	return readBody(t, resp), true
}
