package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/jmgilman/go/errors"
)

// ErrBodyUsed is returned when a body is read or cloned after it was consumed
var ErrBodyUsed = errors.New(errors.CodeConflict, "response body already consumed")

// StatusOffline is the sentinel status of synthetic responses produced when
// neither the network nor the cache can answer
const StatusOffline = http.StatusGatewayTimeout

// Source tells where a response came from
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
	SourceSynthetic
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceCache:
		return "cache"
	case SourceSynthetic:
		return "synthetic"
	}
	return "unknown"
}

// Body is an owned-once byte buffer: it can be taken exactly once.
// Anything that needs the bytes twice must Clone before the first Take.
type Body struct {
	mu   sync.Mutex
	data []byte
	used bool
}

// NewBody takes ownership of data
func NewBody(data []byte) *Body {
	return &Body{data: data}
}

// Take consumes the body and returns its bytes
func (b *Body) Take() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, ErrBodyUsed
	}
	b.used = true
	data := b.data
	b.data = nil
	return data, nil
}

// Clone returns an independent copy of an unconsumed body
func (b *Body) Clone() (*Body, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, ErrBodyUsed
	}
	return NewBody(bytes.Clone(b.data)), nil
}

// Used reports whether the body was consumed
func (b *Body) Used() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Response is a fully buffered HTTP response flowing between the network,
// the cache and the client
type Response struct {
	StatusCode int
	// e.g. "200 OK"
	Status string
	Header http.Header
	Body   *Body
	Source Source
}

// NewResponse builds a response around an owned body
func NewResponse(statusCode int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header:     header,
		Body:       NewBody(body),
	}
}

// Offline returns the synthetic response used when nothing can answer a request
func Offline() *Response {
	resp := NewResponse(StatusOffline, nil, nil)
	resp.Status = fmt.Sprintf("%d Offline", StatusOffline)
	resp.Source = SourceSynthetic
	return resp
}

// FromHTTP buffers and closes resp.Body
func FromHTTP(resp *http.Response) (*Response, error) {
	var data []byte
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		data = b
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")

	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     status,
		Header:     header,
		Body:       NewBody(data),
	}, nil
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone duplicates the response, body included. It fails once the body was consumed.
func (r *Response) Clone() (*Response, error) {
	body, err := r.Body.Clone()
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: r.StatusCode,
		Status:     r.Status,
		Header:     r.Header.Clone(),
		Body:       body,
		Source:     r.Source,
	}, nil
}

// WithSource sets the source and returns the response
func (r *Response) WithSource(source Source) *Response {
	r.Source = source
	return r
}

// HTTP consumes the body and builds a net/http response for req
func (r *Response) HTTP(req *http.Request) (*http.Response, error) {
	data, err := r.Body.Take()
	if err != nil {
		return nil, err
	}

	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(data)))

	return &http.Response{
		Status:        r.Status,
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}, nil
}
