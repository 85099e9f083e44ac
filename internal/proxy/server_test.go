package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shellcache-proxy/internal/config"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Origin = "https://app.example.com"
	cfg.Cache.Backend = config.BackendMemory
	cfg.Server.HTTPS.Enabled = false
	return &cfg
}

func TestNew(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	assert.NotNil(t, s.GetProxy())
	assert.Nil(t, s.Worker(), "no worker before Init")
}

func TestNewWithMITM(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPS.Enabled = true

	_, err := New(cfg)
	require.NoError(t, err)
}

func TestNewWithMissingCA(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPS.Enabled = true
	cfg.Server.HTTPS.CACertFile = "/nonexistent/ca.pem"
	cfg.Server.HTTPS.CAKeyFile = "/nonexistent/ca.key"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load CA certificate")
}

func TestNewStorage(t *testing.T) {
	tests := []struct {
		backend string
		want    any
	}{
		{backend: config.BackendDisk, want: &cache.DiskStorage{}},
		{backend: config.BackendMemory, want: &cache.DiskStorage{}},
		{backend: config.BackendSQLite, want: &cache.SQLiteStorage{}},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Cache.Backend = tt.backend
			storage, err := newStorage(cfg)
			require.NoError(t, err)
			assert.IsType(t, tt.want, storage)
		})
	}

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	_, err := newStorage(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestGetTargetURL(t *testing.T) {
	tests := []struct {
		name string
		requ *http.Request
		want string
	}{
		{
			name: "absolute proxy request",
			requ: httptest.NewRequest(http.MethodGet, "http://app.example.com/index.html?v=1", nil),
			want: "http://app.example.com/index.html?v=1",
		},
		{
			name: "relative request over TLS",
			requ: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/app.js", nil)
				r.Host = "app.example.com"
				r.URL.Scheme = ""
				r.URL.Host = ""
				r.TLS = &tls.ConnectionState{}
				return r
			}(),
			want: "https://app.example.com/app.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getTargetURL(tt.requ))
		})
	}
}

func TestNewWorkerRequest(t *testing.T) {
	requ := httptest.NewRequest(http.MethodPost, "http://app.example.com/form", strings.NewReader("a=1"))
	requ.Header.Set("Sec-Fetch-Mode", "navigate")
	requ.Header.Set("Accept", "text/html")

	req, err := newWorkerRequest(requ)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://app.example.com/form", req.URL.String())
	assert.True(t, req.Navigation())
	assert.Equal(t, "text/html", req.Header.Get("Accept"))
	assert.Equal(t, "a=1", string(req.Body))

	// The original body is still readable for forwarding
	body, err := io.ReadAll(requ.Body)
	require.NoError(t, err)
	assert.Equal(t, "a=1", string(body))
}

func TestNewWorkerRequestFromInterceptedHTTPS(t *testing.T) {
	// MITM rebuilds the URL from the CONNECT host, which carries the port
	requ := httptest.NewRequest(http.MethodGet, "https://app.example.com:443/index.html", nil)

	req, err := newWorkerRequest(requ)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/index.html", req.Key())
}

func TestCacheStatus(t *testing.T) {
	assert.Equal(t, "MISS", cacheStatus(httpcache.NewResponse(http.StatusOK, nil, nil)))
	assert.Equal(t, "HIT", cacheStatus(httpcache.NewResponse(http.StatusOK, nil, nil).WithSource(httpcache.SourceCache)))
	assert.Equal(t, "OFFLINE", cacheStatus(httpcache.Offline()))
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	generated := 0
	gen := func() (*tls.Certificate, error) {
		generated++
		return &tls.Certificate{}, nil
	}

	first, err := store.Fetch("app.example.com", gen)
	require.NoError(t, err)
	second, err := store.Fetch("app.example.com", gen)
	require.NoError(t, err)
	_, err = store.Fetch("cdn.jsdelivr.net", gen)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 2, generated)
	assert.Equal(t, 2, store.Len())

	_, err = store.Fetch("broken.example.com", func() (*tls.Certificate, error) {
		return nil, io.ErrUnexpectedEOF
	})
	require.Error(t, err)
	assert.Equal(t, 2, store.Len())
}
