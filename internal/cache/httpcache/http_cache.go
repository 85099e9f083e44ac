package httpcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/sirupsen/logrus"
)

// HTTPCache stores response snapshots in one namespace, keyed by canonical URL
type HTTPCache struct {
	cache cache.Namespace
}

func New(ns cache.Namespace) *HTTPCache {
	return &HTTPCache{
		cache: ns,
	}
}

// Name returns the namespace name
func (d *HTTPCache) Name() string {
	return d.cache.Name()
}

// GenerateKey returns the canonical key of a URL: absolute, without fragment
// and without the default port of its scheme. Intercepted HTTPS requests carry
// the CONNECT host, e.g. app.example.com:443.
func GenerateKey(u *url.URL) string {
	canonical := *u
	canonical.Fragment = ""
	canonical.RawFragment = ""
	canonical.Host = strings.ToLower(canonical.Host)
	switch strings.ToLower(canonical.Scheme) {
	case "http":
		canonical.Host = strings.TrimSuffix(canonical.Host, ":80")
	case "https":
		canonical.Host = strings.TrimSuffix(canonical.Host, ":443")
	}
	return canonical.String()
}

// Storable reports whether a response to method may be stored at all
func Storable(method string, resp *Response) bool {
	return method == http.MethodGet && resp.StatusCode != http.StatusPartialContent
}

// Put consumes resp and stores it under key, replacing any previous snapshot.
// Pass a clone when the response is also returned to a caller.
func (d *HTTPCache) Put(ctx context.Context, key string, resp *Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := d.cache.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	logrus.Debugf("Stored %s in %s", key, d.cache.Name())
	return nil
}

// Match returns the snapshot stored under key.
// returns nil, nil on cache miss
func (d *HTTPCache) Match(ctx context.Context, key string) (*Response, error) {
	data, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	return Deserialize(data)
}

// Keys lists the stored keys
func (d *HTTPCache) Keys(ctx context.Context) ([]string, error) {
	return d.cache.Keys(ctx)
}

// MatchAny looks key up in every namespace of the storage.
// returns nil, nil on cache miss
func MatchAny(ctx context.Context, storage cache.Storage, key string) (*Response, error) {
	data, err := storage.Match(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	return Deserialize(data)
}
