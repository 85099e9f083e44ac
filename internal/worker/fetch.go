package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

// Fetcher performs live network requests.
// An HTTP error status is a successful fetch; only transport failures return an error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*httpcache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req *Request) (*httpcache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*httpcache.Response, error) {
	return f(ctx, req)
}

// Headers that only make sense between the client and the proxy
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches requests directly from their origin.
// No timeout is set: a fetch lasts as long as its context.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Never route through a proxy: the proxy may be ourselves
	transport.Proxy = nil

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			// Redirects are returned to the client as-is
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*httpcache.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "building request for %s", req.URL)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for _, key := range hopByHopHeaders {
		httpReq.Header.Del(key)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s %s", req.Method, req.URL)
	}

	resp, err := httpcache.FromHTTP(httpResp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s %s", req.Method, req.URL)
	}
	for _, key := range hopByHopHeaders {
		resp.Header.Del(key)
	}

	logrus.Debugf("Fetched %s %s -> %d", req.Method, req.URL, resp.StatusCode)
	return resp.WithSource(httpcache.SourceNetwork), nil
}
