// Package tests holds end-to-end tests running the proxy against local upstreams
package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/iTrooz/shellcache-proxy/internal/proxy"
)

// upstream is a test origin whose responses embed a version number, so a
// test can tell a fresh response from a cached one
type upstream struct {
	*httptest.Server
	version atomic.Int32
	hits    atomic.Int32
}

// fixture_upstream creates a test upstream server serving an app shell.
// Any path under /missing answers 404.
func fixture_upstream() *upstream {
	u := &upstream{}
	u.version.Store(1)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.hits.Add(1)
		if strings.HasPrefix(requ.URL.Path, "/missing") {
			http.NotFound(w, requ)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("v" + strconv.Itoa(int(u.version.Load())) + " " + requ.URL.Path))
	}))
	return u
}

// fixture_config creates a test config serving origin from a disk cache in tempDir
func fixture_config(origin, tempDir string, allowList ...string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Server.HTTPS.Enabled = false
	cfg.Origin = origin
	cfg.Cache.Backend = config.BackendDisk
	cfg.Cache.Folder = tempDir
	cfg.AppShell = []string{"./", "./index.html", "./offline.html"}
	cfg.AllowList = allowList
	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client.
// The server is not initialized: requests are forwarded unchanged until Init.
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}

// fixture_started_proxy is fixture_proxy followed by a successful Init
func fixture_started_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := proxyServer.Init(context.Background()); err != nil {
		proxyTestServer.Close()
		return nil, nil, nil, err
	}
	return proxyServer, proxyTestServer, client, nil
}
