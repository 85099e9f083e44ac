package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shellcache-proxy/internal/worker"
)

func getTargetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.String())
}

// newWorkerRequest buffers the request body. requ.Body is replaced by an
// unread copy so the request can still be forwarded.
func newWorkerRequest(requ *http.Request) (*worker.Request, error) {
	target, err := url.Parse(getTargetURL(requ))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}

	var body []byte
	if requ.Body != nil {
		body, err = io.ReadAll(requ.Body)
		_ = requ.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		requ.Body = io.NopCloser(bytes.NewReader(body))
	}

	return &worker.Request{
		Method: requ.Method,
		URL:    target,
		Mode:   requ.Header.Get("Sec-Fetch-Mode"),
		Header: requ.Header.Clone(),
		Body:   body,
	}, nil
}

// cacheStatus is the X-Cache value of a response
func cacheStatus(resp *httpcache.Response) string {
	switch resp.Source {
	case httpcache.SourceCache:
		return "HIT"
	case httpcache.SourceSynthetic:
		return "OFFLINE"
	default:
		return "MISS"
	}
}
