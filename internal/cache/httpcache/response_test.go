package httpcache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyIsConsumedOnce(t *testing.T) {
	body := NewBody([]byte("hello"))
	assert.False(t, body.Used())

	data, err := body.Take()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, body.Used())

	_, err = body.Take()
	assert.True(t, errors.Is(err, ErrBodyUsed))
}

func TestBodyCloneBeforeTake(t *testing.T) {
	body := NewBody([]byte("hello"))

	clone, err := body.Clone()
	require.NoError(t, err)

	original, err := body.Take()
	require.NoError(t, err)
	copied, err := clone.Take()
	require.NoError(t, err)

	assert.Equal(t, original, copied)
	// Independent buffers
	copied[0] = 'j'
	assert.Equal(t, "hello", string(original))
}

func TestBodyCloneAfterTakeFails(t *testing.T) {
	body := NewBody([]byte("hello"))
	_, err := body.Take()
	require.NoError(t, err)

	_, err = body.Clone()
	assert.True(t, errors.Is(err, ErrBodyUsed))
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))
}

func TestResponseClone(t *testing.T) {
	resp := NewResponse(http.StatusOK, http.Header{"Content-Type": []string{"text/html"}}, []byte("<html></html>"))

	clone, err := resp.Clone()
	require.NoError(t, err)
	clone.Header.Set("Content-Type", "text/plain")

	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusOK, clone.StatusCode)
	assert.Equal(t, "200 OK", clone.Status)

	_, err = resp.Body.Take()
	require.NoError(t, err)
	_, err = resp.Clone()
	assert.True(t, errors.Is(err, ErrBodyUsed))
}

func TestFromHTTP(t *testing.T) {
	httpResp := &http.Response{
		StatusCode: http.StatusNotFound,
		Status:     "404 Not Found",
		Header:     http.Header{"Content-Length": []string{"9"}, "X-Test": []string{"1"}},
		Body:       io.NopCloser(strings.NewReader("not found")),
	}

	resp, err := FromHTTP(httpResp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, resp.OK())
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, "1", resp.Header.Get("X-Test"))

	data, err := resp.Body.Take()
	require.NoError(t, err)
	assert.Equal(t, "not found", string(data))
}

func TestResponseHTTPConsumesBody(t *testing.T) {
	resp := NewResponse(http.StatusOK, nil, []byte("payload"))
	req, err := http.NewRequest(http.MethodGet, "https://app.example.com/", nil)
	require.NoError(t, err)

	httpResp, err := resp.HTTP(req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), httpResp.ContentLength)
	assert.Equal(t, "7", httpResp.Header.Get("Content-Length"))
	assert.Same(t, req, httpResp.Request)

	data, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = resp.HTTP(req)
	assert.True(t, errors.Is(err, ErrBodyUsed))
}

func TestOffline(t *testing.T) {
	resp := Offline()
	assert.Equal(t, StatusOffline, resp.StatusCode)
	assert.Equal(t, "504 Offline", resp.Status)
	assert.Equal(t, SourceSynthetic, resp.Source)

	data, err := resp.Body.Take()
	require.NoError(t, err)
	assert.Empty(t, data)
}
